// Package gdrive imports Clue data exports dropped into a Google Drive folder.
package gdrive

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/provider/clue"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	malformedThreshold = 0.5
	maxDepth           = 3

	kindCSV  = "csv"
	kindJSON = "json"
)

// FolderPath is where exports are expected, matched as a path suffix.
var FolderPath = []string{"HealthTrackerData", "Apps", "Clue"}

// Adapter implements provider.Adapter over a FileStore.
type Adapter struct {
	cfg       provider.Config
	stores    FileStoreFactory
	refresher *provider.OAuthRefresher
}

// New builds the importer. A nil factory uses the public Google Drive API with cfg.BaseURL as an
// optional endpoint override.
func New(cfg provider.Config, stores FileStoreFactory) *Adapter {
	cfg = cfg.WithDefaults("", DefaultTokenURL)
	if stores == nil {
		stores = DriveFiles(cfg.BaseURL, cfg.HTTPClient)
	}
	return &Adapter{
		cfg:       cfg,
		stores:    stores,
		refresher: provider.NewOAuthRefresher(domain.ProviderGoogleDrive, cfg, oauth2.AuthStyleInParams),
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderGoogleDrive }

func (a *Adapter) MalformedThreshold() float64 { return malformedThreshold }

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	return a.refresher.Refresh(ctx, refreshToken)
}

// Fetch reads every CSV and JSON export below the Clue folder. A missing folder yields an empty
// payload.
func (a *Adapter) Fetch(ctx context.Context, accessToken string, window domain.Window) (provider.Payload, error) {
	if !a.cfg.Configured() {
		return provider.Payload{}, fmt.Errorf("%w: google drive client credentials not configured", domain.ErrUnsupported)
	}

	store, err := a.stores(ctx, accessToken)
	if err != nil {
		return provider.Payload{}, err
	}

	var payload provider.Payload
	folderID, err := store.FindFolder(ctx, FolderPath)
	if errors.Is(err, ErrFolderNotFound) {
		return payload, nil
	}
	if err != nil {
		return provider.Payload{}, err
	}

	files, err := store.ListFiles(ctx, folderID, maxDepth)
	if err != nil {
		return provider.Payload{}, err
	}
	for _, f := range files {
		kind := kindFor(f.Name)
		if kind == "" {
			continue
		}
		data, err := store.ReadFile(ctx, f.ID)
		if err != nil {
			return provider.Payload{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
		payload.Add(kind, joinPath(f.Path, f.Name), data)
	}
	return payload, nil
}

func kindFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return kindCSV
	case ".json":
		return kindJSON
	}
	return ""
}

// row is one export entry with every field rendered as text.
type row map[string]string

func (a *Adapter) Normalize(payload provider.Payload, window domain.Window) provider.Normalized {
	c := provider.NewCollector(domain.ProviderGoogleDrive, window)
	for _, part := range payload.Parts {
		var rows []row
		var err error
		switch part.Kind {
		case kindCSV:
			rows, err = csvRows(part.Body)
		case kindJSON:
			rows, err = jsonRows(part.Body)
		default:
			err = fmt.Errorf("unknown kind %q", part.Kind)
		}
		if err != nil {
			c.Drop()
			continue
		}
		for _, r := range rows {
			emitRow(c, r)
		}
	}
	return c.Result()
}

// emitRow maps one entry onto clue measurements. A bad field is dropped on its own.
func emitRow(c *provider.Collector, r row) {
	raw := r["date"]
	if raw == "" {
		raw = r["Date"]
	}
	date, err := domain.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		c.Drop()
		return
	}

	entry := clue.Entry{Date: date}
	if v, ok, bad := number(r["cycle_day"]); ok {
		entry.CycleDay = &v
	} else if bad {
		c.Drop()
	}
	entry.IsPeriod = truthy(r["is_period"])
	if s := strings.TrimSpace(r["symptoms"]); s != "" {
		entry.Symptoms = strings.Split(s, ",")
	}
	if v, ok, bad := number(r["mood"]); ok {
		entry.Mood = &v
	} else if bad {
		c.Drop()
	}
	entry.Emit(c)
}

func csvRows(body []byte) ([]row, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	hasDate := false
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if header[i] == "date" || header[i] == "Date" {
			hasDate = true
		}
	}
	if !hasDate {
		return nil, errors.New("csv export has no date column")
	}

	var rows []row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		r := make(row, len(header))
		for i, value := range record {
			if i < len(header) {
				r[header[i]] = value
			}
		}
		rows = append(rows, r)
	}
}

// jsonRows accepts a bare array of entries or an object wrapping one under "cycles" or "data".
func jsonRows(body []byte) ([]row, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped struct {
			Cycles []map[string]json.RawMessage `json:"cycles"`
			Data   []map[string]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		items = append(wrapped.Cycles, wrapped.Data...)
	}

	rows := make([]row, 0, len(items))
	for _, item := range items {
		r := make(row, len(item))
		for k, v := range item {
			r[k] = text(v)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func text(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case '[':
		var list []string
		if err := json.Unmarshal(trimmed, &list); err == nil {
			return strings.Join(list, ",")
		}
	}
	return string(trimmed)
}

// number parses an optional numeric field; bad reports a present but unparseable value.
func number(s string) (v float64, ok, bad bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, true
	}
	return v, true, false
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y":
		return true
	}
	return false
}
