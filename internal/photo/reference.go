package photo

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/trip-profile/internal/imaging"
)

// HTTPDoer fetches object references; *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ParseDataURL decodes a data URI. A missing media type defaults to
// image/jpeg.
func ParseDataURL(ref string) ([]byte, string, error) {
	if len(ref) < 5 || !strings.EqualFold(ref[:5], "data:") {
		return nil, "", fmt.Errorf("%w: not a data URI", ErrConversion)
	}
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("%w: data URI has no payload separator", ErrConversion)
	}

	mime := ""
	isBase64 := false
	for i, part := range strings.Split(ref[5:comma], ";") {
		part = strings.TrimSpace(part)
		switch {
		case i == 0 && strings.Contains(part, "/"):
			mime = imaging.BaseType(part)
		case strings.EqualFold(part, "base64"):
			isBase64 = true
		}
	}
	if mime == "" {
		mime = imaging.DefaultMIME
	}

	payload := ref[comma+1:]
	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return []byte(decoded), mime, nil
	}

	payload = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrConversion, err)
		}
	}
	return data, mime, nil
}

// hostList is the set of hosts object references may point at. Entries are
// a hostname, a host:port, or "*.domain" for any subdomain.
type hostList []string

func newHostList(hosts []string) hostList {
	var out hostList
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func (l hostList) allows(u *url.URL) bool {
	host := strings.ToLower(u.Host)
	name := strings.ToLower(u.Hostname())
	for _, entry := range l {
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(name, "."+suffix) {
				return true
			}
			continue
		}
		if entry == host || entry == name {
			return true
		}
	}
	return false
}

func (l hostList) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return fmt.Errorf("%w: too many redirects", ErrConversion)
	}
	if !l.allows(req.URL) {
		return fmt.Errorf("%w: redirect to disallowed host", ErrConversion)
	}
	return nil
}

// fetchObject materializes an http(s) object reference into bytes. Only
// hosts in allowed are contacted.
func fetchObject(ctx context.Context, doer HTTPDoer, allowed hostList, ref string, maxBytes int64) ([]byte, string, error) {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: unsupported reference %q", ErrConversion, ref)
	}
	if !allowed.allows(u) {
		return nil, "", fmt.Errorf("%w: host %q is not an allowed object source", ErrConversion, u.Hostname())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrConversion, err)
	}
	resp, err := doer.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetch failed: %v", ErrConversion, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: fetch returned status %d", ErrConversion, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read failed: %v", ErrConversion, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: object exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	return data, imaging.BaseType(resp.Header.Get("Content-Type")), nil
}
