package api

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/djlord-it/postcron/internal/media"
)

// Layouts accepted for publish_at besides RFC 3339. Values without a zone
// are UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

func parsePublishAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("publish_at is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid publish_at: expected RFC 3339 date-time")
}

// cleanPhotoURLs trims entries and rejects blanks and anything that is not
// an absolute http(s) URL. Local paths may only enter a post through staging.
func cleanPhotoURLs(raw []string) ([]string, error) {
	var urls []string
	for i, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, fmt.Errorf("invalid photo_urls entry %d: empty", i)
		}
		if err := validatePhotoURL(u); err != nil {
			return nil, fmt.Errorf("invalid photo_urls entry %q: %w", u, err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func validatePhotoURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if !media.IsRemote(rawURL) {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
