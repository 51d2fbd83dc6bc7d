package table

import (
	"context"
	"io"

	"github.com/mileusna/useragent"
)

// UserAgent is a derived table: the key is a raw User-Agent header and the
// cells are parsed out of it rather than stored. It carries no content, so
// its descriptor needs no location.
type UserAgent struct {
	name string
}

// NewUserAgent builds a UserAgent table. Content and params are ignored.
func NewUserAgent(name string, _ io.Reader, _ map[string]string) (Table, error) {
	return &UserAgent{name: name}, nil
}

// Columns returns the output columns this table produces.
func (u *UserAgent) Columns() []string {
	return []string{"browser", "browser_version", "os", "os_version", "device", "kind"}
}

// Lookup parses key as a User-Agent string. A string the parser cannot
// attribute to any browser or OS is a miss.
func (u *UserAgent) Lookup(_ context.Context, key string) (map[string]string, error) {
	ua := useragent.Parse(key)
	if ua.Name == "" && ua.OS == "" {
		return nil, nil
	}

	out := make(map[string]string, 6)
	if ua.Name != "" {
		out["browser"] = ua.Name
	}
	if ua.Version != "" {
		out["browser_version"] = ua.Version
	}
	if ua.OS != "" {
		out["os"] = ua.OS
	}
	if ua.OSVersion != "" {
		out["os_version"] = ua.OSVersion
	}
	if ua.Device != "" {
		out["device"] = ua.Device
	}
	if kind := uaKind(ua); kind != "" {
		out["kind"] = kind
	}
	return out, nil
}

// Rows is zero: the table computes rather than stores.
func (u *UserAgent) Rows() int {
	return 0
}

func uaKind(ua useragent.UserAgent) string {
	switch {
	case ua.Bot:
		return "bot"
	case ua.Mobile:
		return "mobile"
	case ua.Tablet:
		return "tablet"
	case ua.Desktop:
		return "desktop"
	default:
		return ""
	}
}
