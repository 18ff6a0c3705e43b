// Package wad fetches and decodes a .wad archive's compressed header
// journal into a listing of inner entries (spec §4.3), and implements the
// bounded retry policy the diff engine wraps around that fetch.
package wad

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wizdiff/wizdiff/internal/wizerr"
)

// Entry is one decoded inner-file record from a .wad header journal.
type Entry struct {
	Name         string
	Offset       int32
	CRC          int32
	Size         int32
	ZSize        int32
	IsCompressed bool
}

// Journal maps inner entry name to its decoded Entry.
type Journal map[string]Entry

const signature = "KIWAD"

// Fetcher downloads the bytes at a URL. The default, httpFetcher, wraps an
// *http.Client; kept as an interface so tests can stub network access.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*http.Response, error)
}

// httpFetcher is the default Fetcher, a thin wrapper around *http.Client.
type httpFetcher struct{ client *http.Client }

func (f *httpFetcher) Fetch(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	return f.client.Do(req)
}

// Parser fetches and decodes .wad header journals, retrying transient
// failures per spec §4.3.
type Parser struct {
	logger     *logrus.Logger
	fetcher    Fetcher
	maxRetries int
	retryWait  time.Duration
}

// Option configures a Parser.
type Option func(*Parser)

// WithFetcher overrides the HTTP transport (used by tests).
func WithFetcher(f Fetcher) Option {
	return func(p *Parser) { p.fetcher = f }
}

// WithRetryPolicy overrides the default 10-attempt/60s retry policy.
func WithRetryPolicy(maxRetries int, wait time.Duration) Option {
	return func(p *Parser) {
		p.maxRetries = maxRetries
		p.retryWait = wait
	}
}

// New builds a Parser with the default retry policy (10 attempts, 60s
// between attempts).
func New(logger *logrus.Logger, opts ...Option) *Parser {
	p := &Parser{
		logger:     logger,
		fetcher:    &httpFetcher{client: &http.Client{Timeout: 30 * time.Second}},
		maxRetries: 10,
		retryWait:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchJournal downloads baseURL+".hdr.gz", retrying on HTTP error
// responses or gzip decode failures up to maxRetries attempts, waiting
// retryWait between attempts. It surfaces a fatal TransientNetwork error
// for the archive if every attempt fails. A malformed header (bad
// signature, truncated or invalid fields) is a wizerr.Protocol error and
// returns immediately without consuming a retry.
func (p *Parser) FetchJournal(ctx context.Context, baseURL string) (Journal, error) {
	url := baseURL + ".hdr.gz"

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		data, err := p.fetchOnce(ctx, url)
		if err == nil {
			journal, perr := Decode(data)
			if perr == nil {
				return journal, nil
			}
			// A malformed signature or truncated/invalid structure is a
			// protocol error, not a transient one: it surfaces immediately
			// and abandons the tick rather than burning retries.
			if protoErr, ok := perr.(*wizerr.Protocol); ok {
				return nil, protoErr
			}
			// A gzip decode failure is treated the same as an HTTP
			// failure for retry purposes per spec §4.3.
			lastErr = perr
		} else {
			lastErr = err
		}

		p.logger.Warnf("wad: attempt %d/%d for %s failed: %v", attempt, p.maxRetries, url, lastErr)
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, wizerr.NewTransientNetwork("FetchJournal: "+url, ctx.Err())
		case <-time.After(p.retryWait):
		}
	}
	return nil, wizerr.NewTransientNetwork("FetchJournal: "+url, fmt.Errorf("exhausted %d attempts: %w", p.maxRetries, lastErr))
}

func (p *Parser) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	resp, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Decode gunzips (tolerating an already-uncompressed payload) and parses a
// .wad header journal per spec §4.3.
func Decode(data []byte) (Journal, error) {
	raw, err := maybeGunzip(data)
	if err != nil {
		return nil, wizerr.NewTransientNetwork("gunzip wad header", err)
	}
	return decodeHeader(raw)
}

func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return data, nil
}

func decodeHeader(data []byte) (Journal, error) {
	if len(data) < 13 {
		return nil, wizerr.NewProtocol("decodeHeader", fmt.Errorf("header shorter than fixed prefix (%d bytes)", len(data)))
	}
	if string(data[:5]) != signature {
		return nil, wizerr.NewProtocol("decodeHeader", fmt.Errorf("signature %q != %q", data[:5], signature))
	}
	version := binary.LittleEndian.Uint32(data[5:9])
	fileCount := binary.LittleEndian.Uint32(data[9:13])

	offset := 13
	if version >= 2 {
		offset++ // reserved byte
	}

	journal := make(Journal, fileCount)
	for i := uint32(0); i < fileCount; i++ {
		const fixedLen = 4 + 4 + 4 + 1 + 4 + 4
		if offset+fixedLen > len(data) {
			return nil, wizerr.NewProtocol("decodeHeader", fmt.Errorf("entry %d: truncated fixed fields", i))
		}
		fileOffset := int32(binary.LittleEndian.Uint32(data[offset : offset+4]))
		size := int32(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		zsize := int32(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
		isCompressed := data[offset+12] != 0
		crc := int32(binary.LittleEndian.Uint32(data[offset+13 : offset+17]))
		nameLength := int32(binary.LittleEndian.Uint32(data[offset+17 : offset+21]))
		offset += fixedLen

		if nameLength < 1 || offset+int(nameLength) > len(data) {
			return nil, wizerr.NewProtocol("decodeHeader", fmt.Errorf("entry %d: invalid name length %d", i, nameLength))
		}
		nameBytes := data[offset : offset+int(nameLength)]
		offset += int(nameLength)
		name := string(nameBytes[:len(nameBytes)-1]) // strip NUL terminator

		journal[name] = Entry{
			Name:         name,
			Offset:       fileOffset,
			CRC:          crc,
			Size:         size,
			ZSize:        zsize,
			IsCompressed: isCompressed,
		}
	}

	return journal, nil
}
