package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"example.com/healthsync/internal/domain"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	maxFileBytes   = 32 << 20
)

// ErrFolderNotFound is returned by FindFolder when no folder matches the path.
var ErrFolderNotFound = errors.New("drive folder not found")

// File is one listed file. Path is the folder path below the searched root.
type File struct {
	ID           string
	Name         string
	Path         string
	ModifiedTime time.Time
}

// FileStore lists and reads files from a bulk-file store.
type FileStore interface {
	// FindFolder returns the ID of the folder whose path ends with the given segments.
	FindFolder(ctx context.Context, path []string) (string, error)
	// ListFiles returns non-folder files below folderID, descending at most maxDepth levels.
	ListFiles(ctx context.Context, folderID string, maxDepth int) ([]File, error)
	ReadFile(ctx context.Context, fileID string) ([]byte, error)
}

// FileStoreFactory opens a FileStore for one user's access token.
type FileStoreFactory func(ctx context.Context, accessToken string) (FileStore, error)

// DriveFiles returns a factory building Google Drive v3 stores. endpoint and base are optional and
// exist for tests.
func DriveFiles(endpoint string, base *http.Client) FileStoreFactory {
	return func(ctx context.Context, accessToken string) (FileStore, error) {
		if base != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		}
		httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

		opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
		if endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}
		svc, err := drive.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: drive client: %w", domain.ErrNetwork, err)
		}
		return &DriveFileStore{svc: svc}, nil
	}
}

// DriveFileStore implements FileStore on the Google Drive v3 API.
type DriveFileStore struct {
	svc *drive.Service
}

func (s *DriveFileStore) FindFolder(ctx context.Context, path []string) (string, error) {
	if len(path) == 0 {
		return "", ErrFolderNotFound
	}
	leaf := path[len(path)-1]
	q := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(leaf), folderMimeType)
	res, err := s.svc.Files.List().Q(q).Spaces("drive").Fields("files(id, name, parents)").PageSize(100).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}

	for _, candidate := range res.Files {
		ok, err := s.pathEndsWith(ctx, candidate, path)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate.Id, nil
		}
	}
	return "", ErrFolderNotFound
}

// pathEndsWith walks parents upwards until the expected segments are matched or exhausted.
func (s *DriveFileStore) pathEndsWith(ctx context.Context, f *drive.File, path []string) (bool, error) {
	current := f
	for i := len(path) - 1; i >= 0; i-- {
		if current.Name != path[i] {
			return false, nil
		}
		if i == 0 {
			return true, nil
		}
		if len(current.Parents) == 0 {
			return false, nil
		}
		parent, err := s.svc.Files.Get(current.Parents[0]).Fields("id, name, parents").Context(ctx).Do()
		if err != nil {
			return false, classify(err)
		}
		current = parent
	}
	return false, nil
}

func (s *DriveFileStore) ListFiles(ctx context.Context, folderID string, maxDepth int) ([]File, error) {
	var out []File
	if err := s.walk(ctx, folderID, "", 0, maxDepth, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DriveFileStore) walk(ctx context.Context, folderID, prefix string, depth, maxDepth int, out *[]File) error {
	pageToken := ""
	for {
		call := s.svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(folderID))).
			Spaces("drive").
			Fields("nextPageToken, files(id, name, mimeType, modifiedTime)").
			OrderBy("modifiedTime desc").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return classify(err)
		}

		for _, f := range res.Files {
			if f.MimeType == folderMimeType {
				if depth+1 > maxDepth {
					continue
				}
				if err := s.walk(ctx, f.Id, joinPath(prefix, f.Name), depth+1, maxDepth, out); err != nil {
					return err
				}
				continue
			}
			modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			*out = append(*out, File{ID: f.Id, Name: f.Name, Path: prefix, ModifiedTime: modified})
		}

		if res.NextPageToken == "" {
			return nil
		}
		pageToken = res.NextPageToken
	}
}

func (s *DriveFileStore) ReadFile(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := s.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read drive file %s: %w", domain.ErrNetwork, fileID, err)
	}
	return data, nil
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: drive: %w", domain.ErrAuthExpired, err)
		case apiErr.Code == http.StatusTooManyRequests || rateLimitReason(apiErr):
			return fmt.Errorf("%w: drive: %w", domain.ErrRateLimited, err)
		}
	}
	return fmt.Errorf("%w: drive: %w", domain.ErrNetwork, err)
}

func rateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
