package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

const (
	maxPageBytes = 16 << 20
	userAgent    = "Mozilla/5.0 (X11; Linux x86_64) spikescan"
)

type Platform string

const (
	PrimaryExchange   Platform = "primary-exchange"
	SecondaryExchange Platform = "secondary-exchange"
	Brokerage         Platform = "brokerage"
)

// Platforms is the fixed set, in display order.
var Platforms = []Platform{PrimaryExchange, SecondaryExchange, Brokerage}

func (p Platform) Valid() bool {
	switch p {
	case PrimaryExchange, SecondaryExchange, Brokerage:
		return true
	default:
		return false
	}
}

// Source yields the coin identifiers one platform lists.
type Source interface {
	Platform() Platform
	Fetch(ctx context.Context) ([]string, error)
}

func getPage(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("[getPage] : %w: %w", ErrNetwork, err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[getPage] : %w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("[getPage] : %w: %s returned status %d", ErrNetwork, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("[getPage] : %w: %w", ErrNetwork, err)
	}

	return body, nil
}

// normalize lower-cases, trims, de-duplicates and sorts identifiers.
func normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

func gjsonStrings(result gjson.Result) []string {
	var ids []string

	result.ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String {
			ids = append(ids, value.String())
		}

		return true
	})

	return ids
}

// JSONListSource reads identifiers out of a JSON API with a gjson path,
// e.g. "#.base_currency" for an exchange products listing.
type JSONListSource struct {
	platform Platform
	url      string
	path     string
	client   *http.Client
}

func NewJSONListSource(platform Platform, url, path string, client *http.Client) *JSONListSource {
	return &JSONListSource{platform: platform, url: url, path: path, client: client}
}

func (s *JSONListSource) Platform() Platform { return s.platform }

func (s *JSONListSource) Fetch(ctx context.Context) ([]string, error) {
	body, err := getPage(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("[JSONListSource] : %w: body is not JSON", ErrScrapeExtraction)
	}

	ids := normalize(gjsonStrings(gjson.GetBytes(body, s.path)))
	if len(ids) == 0 {
		return nil, fmt.Errorf("[JSONListSource] : %w: nothing at %q", ErrScrapeExtraction, s.path)
	}

	return ids, nil
}

// HTMLSelectorSource picks identifiers from the elements matching a CSS
// selector, reading attr if set and the element text otherwise.
type HTMLSelectorSource struct {
	platform Platform
	url      string
	selector string
	attr     string
	client   *http.Client
}

func NewHTMLSelectorSource(platform Platform, url, selector, attr string, client *http.Client) *HTMLSelectorSource {
	return &HTMLSelectorSource{platform: platform, url: url, selector: selector, attr: attr, client: client}
}

func (s *HTMLSelectorSource) Platform() Platform { return s.platform }

func (s *HTMLSelectorSource) Fetch(ctx context.Context) ([]string, error) {
	body, err := getPage(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("[HTMLSelectorSource] : %w: %w", ErrScrapeExtraction, err)
	}

	var raw []string

	doc.Find(s.selector).Each(func(_ int, sel *goquery.Selection) {
		if s.attr == "" {
			raw = append(raw, sel.Text())

			return
		}

		if value, ok := sel.Attr(s.attr); ok {
			raw = append(raw, value)
		}
	})

	ids := normalize(raw)
	if len(ids) == 0 {
		return nil, fmt.Errorf("[HTMLSelectorSource] : %w: no match for %q", ErrScrapeExtraction, s.selector)
	}

	return ids, nil
}

// ScriptPayloadSource finds the inline script holding startMarker, cuts the
// text between startMarker and endMarker, and reads it as JSON with a gjson path.
type ScriptPayloadSource struct {
	platform    Platform
	url         string
	startMarker string
	endMarker   string
	path        string
	client      *http.Client
}

func NewScriptPayloadSource(
	platform Platform,
	url, startMarker, endMarker, path string,
	client *http.Client,
) *ScriptPayloadSource {
	return &ScriptPayloadSource{
		platform:    platform,
		url:         url,
		startMarker: startMarker,
		endMarker:   endMarker,
		path:        path,
		client:      client,
	}
}

func (s *ScriptPayloadSource) Platform() Platform { return s.platform }

func (s *ScriptPayloadSource) Fetch(ctx context.Context) ([]string, error) {
	body, err := getPage(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("[ScriptPayloadSource] : %w: %w", ErrScrapeExtraction, err)
	}

	var payload string

	found := false

	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		chunk, ok := between(sel.Text(), s.startMarker, s.endMarker)
		if ok {
			payload = chunk
			found = true
		}

		return !found
	})

	if !found {
		return nil, fmt.Errorf("[ScriptPayloadSource] : %w: marker %q not found", ErrScrapeExtraction, s.startMarker)
	}

	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("[ScriptPayloadSource] : %w: payload is not JSON", ErrScrapeExtraction)
	}

	ids := normalize(gjsonStrings(gjson.Get(payload, s.path)))
	if len(ids) == 0 {
		return nil, fmt.Errorf("[ScriptPayloadSource] : %w: nothing at %q", ErrScrapeExtraction, s.path)
	}

	return ids, nil
}

// between returns the text after start up to the first end. An empty end
// takes everything after start.
func between(text, start, end string) (string, bool) {
	if start == "" {
		return "", false
	}

	_, after, ok := strings.Cut(text, start)
	if !ok {
		return "", false
	}

	if end == "" {
		return strings.TrimSpace(after), true
	}

	chunk, _, ok := strings.Cut(after, end)
	if !ok {
		return "", false
	}

	return strings.TrimSpace(chunk), true
}
