// Package playlist parses HLS media playlists into models.Playlist values.
package playlist

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

const headerTag = "#EXTM3U"

var lineSplit = regexp.MustCompile(`\r?\n`)

// FormatError reports a malformed manifest or a tag missing a required attribute.
type FormatError struct {
	Line int
	Msg  string
	Err  error
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid playlist: %s: %v", msg, e.Err)
	}
	return "invalid playlist: " + msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// Parser converts manifest text into a Playlist.
type Parser struct {
	// Strict turns unresolvable relative URLs into errors instead of passing
	// them through unchanged.
	Strict bool
	// BaseURL is the fallback base used when no referer URL is supplied.
	BaseURL string
}

// NewParser creates a parser with the given fallback base URL
func NewParser(baseURL string, strict bool) *Parser {
	return &Parser{BaseURL: baseURL, Strict: strict}
}

// segmentLines records where a segment and the tags governing it sit in the source
type segmentLines struct {
	uri, key, initMap int
}

// manifest is the source after normalization for the decoder
type manifest struct {
	text        string
	segments    []segmentLines
	independent bool
	variants    bool
}

// normalize trims lines and gives bare segment URIs a zero EXTINF, which the
// decoder requires before it accepts a URI line
func normalize(content string) (*manifest, error) {
	var b strings.Builder
	m := &manifest{}

	first := true
	pendingInf := false
	streamInf := false
	keyLine, mapLine := 0, 0

	for i, raw := range lineSplit.Split(content, -1) {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lineNo := i + 1

		if first {
			if line != headerTag {
				break
			}
			first = false
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXTINF"):
			pendingInf = true
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"), strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF"):
			streamInf = true
			m.variants = true
		case strings.HasPrefix(line, "#EXT-X-INDEPENDENT-SEGMENTS"):
			m.independent = true
		case strings.HasPrefix(line, "#EXT-X-KEY"):
			keyLine = lineNo
		case strings.HasPrefix(line, "#EXT-X-MAP"):
			mapLine = lineNo
		case !strings.HasPrefix(line, "#"):
			if !pendingInf && !streamInf {
				b.WriteString("#EXTINF:0,\n")
			}
			if !streamInf {
				m.segments = append(m.segments, segmentLines{uri: lineNo, key: keyLine, initMap: mapLine})
			}
			pendingInf, streamInf = false, false
		}

		b.WriteString(line)
		b.WriteByte('\n')
	}

	if first {
		return nil, &FormatError{Msg: "missing " + headerTag + " header"}
	}
	m.text = b.String()
	return m, nil
}

// Parse parses manifest content. Relative URIs are resolved against refererURL
// when it is not empty.
func (p *Parser) Parse(content, refererURL string) (*models.Playlist, error) {
	m, err := normalize(content)
	if err != nil {
		return nil, err
	}

	decoded, listType, err := m3u8.DecodeFrom(strings.NewReader(m.text), false)
	if err != nil {
		// a header with no media tags has no detectable type but is still an empty playlist
		if len(m.segments) == 0 && !m.variants {
			return &models.Playlist{Version: 3, IndependentSegments: m.independent}, nil
		}
		return nil, &FormatError{Msg: "malformed manifest", Err: err}
	}
	if listType == m3u8.MASTER {
		return nil, &FormatError{Msg: "master playlists are not supported"}
	}
	media, ok := decoded.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, &FormatError{Msg: "not a media playlist"}
	}

	playlist := &models.Playlist{
		Sequence:              int64(media.SeqNo),
		Version:               int(media.Version()),
		DiscontinuitySequence: int64(media.DiscontinuitySeq),
		IndependentSegments:   m.independent,
	}
	if media.TargetDuration > 0 {
		playlist.TargetDuration = media.TargetDuration
	}
	if playlist.Version <= 0 {
		playlist.Version = 3
	}

	var segments []*m3u8.MediaSegment
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		segments = append(segments, seg)
	}
	if len(segments) != len(m.segments) {
		return nil, &FormatError{Msg: fmt.Sprintf("decoded %d segments from %d URI lines", len(segments), len(m.segments))}
	}

	var (
		currentKey *models.EncryptionKey
		currentMap *models.InitSection
	)

	for i, seg := range segments {
		lines := m.segments[i]

		// a tag ahead of the first segment may only land on the playlist
		key, initMap := seg.Key, seg.Map
		if i == 0 && key == nil && lines.key > 0 {
			key = media.Key
		}
		if i == 0 && initMap == nil && lines.initMap > 0 {
			initMap = media.Map
		}

		if key != nil {
			currentKey, err = p.convertKey(key, refererURL)
			if err != nil {
				return nil, &FormatError{Line: lines.key, Msg: "bad EXT-X-KEY", Err: err}
			}
		}
		if initMap != nil {
			currentMap, err = p.convertMap(initMap, refererURL)
			if err != nil {
				return nil, &FormatError{Line: lines.initMap, Msg: "bad EXT-X-MAP", Err: err}
			}
		}

		mapBase := ""
		if currentMap != nil {
			mapBase = currentMap.URI
		}
		resolved, err := p.resolve(seg.URI, refererURL, mapBase)
		if err != nil {
			return nil, &FormatError{Line: lines.uri, Msg: "unresolvable segment URI", Err: err}
		}

		segment := models.Segment{
			Sequence:      playlist.Sequence + int64(i),
			Index:         i,
			URL:           resolved,
			Duration:      seg.Duration,
			Title:         seg.Title,
			Key:           currentKey,
			Map:           currentMap,
			Discontinuity: seg.Discontinuity,
			LineNumber:    lines.uri,
		}
		if segment.Duration < 0 {
			segment.Duration = 0
		}
		if !seg.ProgramDateTime.IsZero() {
			pdt := seg.ProgramDateTime
			segment.ProgramDateTime = &pdt
		}
		playlist.Segments = append(playlist.Segments, segment)
	}

	return playlist, nil
}

func (p *Parser) convertKey(k *m3u8.Key, refererURL string) (*models.EncryptionKey, error) {
	method := strings.TrimSpace(k.Method)
	if method == "" || method == models.EncryptionMethodNone {
		return nil, nil
	}

	if k.URI == "" {
		return nil, fmt.Errorf("missing URI")
	}
	resolved, err := p.resolve(k.URI, refererURL, "")
	if err != nil {
		return nil, err
	}

	key := &models.EncryptionKey{Method: method, URI: resolved}
	if raw := strings.TrimSpace(k.IV); raw != "" {
		raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
		iv, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid IV: %w", err)
		}
		if len(iv) != models.KeySize {
			return nil, fmt.Errorf("invalid IV length %d", len(iv))
		}
		key.IV = iv
	}

	return key, nil
}

func (p *Parser) convertMap(m *m3u8.Map, refererURL string) (*models.InitSection, error) {
	if m.URI == "" {
		return nil, fmt.Errorf("missing URI")
	}
	resolved, err := p.resolve(m.URI, refererURL, "")
	if err != nil {
		return nil, err
	}
	section := &models.InitSection{URI: resolved}
	if m.Limit > 0 {
		section.ByteRange = fmt.Sprintf("%d@%d", m.Limit, m.Offset)
	}
	return section, nil
}

// resolve resolves target against the referer, then the map base, then the
// configured base URL.
func (p *Parser) resolve(target, refererURL, mapBase string) (string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}

	base := refererURL
	if base == "" {
		base = mapBase
	}
	if base == "" {
		base = p.BaseURL
	}
	if base == "" {
		if p.Strict {
			return "", fmt.Errorf("no base URL to resolve %q", target)
		}
		return target, nil
	}

	baseURL, err := url.Parse(base)
	if err == nil {
		var ref *url.URL
		ref, err = url.Parse(target)
		if err == nil {
			return baseURL.ResolveReference(ref).String(), nil
		}
	}
	if p.Strict {
		return "", fmt.Errorf("failed to resolve %q against %q: %w", target, base, err)
	}
	return target, nil
}
