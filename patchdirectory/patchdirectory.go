// Package patchdirectory speaks the vendor's binary directory-discovery
// protocol over a raw TCP socket and extracts the two HTTPS URLs the rest
// of wizdiff needs: the manifest URL and the asset base URL (spec §4.1).
package patchdirectory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/wizdiff/wizdiff/internal/wizerr"
)

// DefaultHost and DefaultPort are the vendor's directory endpoint (spec §6).
const (
	DefaultHost = "patch.us.wizard101.com"
	DefaultPort = 12500
)

var probe = append(
	[]byte{0x0D, 0xF0, 0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x01, 0x20},
	make([]byte, 29)...,
)

// Directory speaks the probe/response handshake against a single
// host:port endpoint.
type Directory struct {
	logger  *logrus.Logger
	host    string
	port    int
	timeout time.Duration
}

// Option configures a Directory.
type Option func(*Directory)

// WithEndpoint overrides the default host/port.
func WithEndpoint(host string, port int) Option {
	return func(d *Directory) {
		d.host = host
		d.port = port
	}
}

// WithTimeout bounds the dial and read deadline for the handshake.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Directory) { d.timeout = timeout }
}

// New builds a Directory against the default vendor endpoint.
func New(logger *logrus.Logger, opts ...Option) *Directory {
	d := &Directory{
		logger:  logger,
		host:    DefaultHost,
		port:    DefaultPort,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GetPatchURLs opens the TCP connection, runs the handshake and returns
// (manifestURL, assetBaseURL).
func (d *Directory) GetPatchURLs() (manifestURL, assetBaseURL string, err error) {
	addr := fmt.Sprintf("%s:%d", d.host, d.port)
	d.logger.Debugf("PatchDirectory: dialing %s", addr)

	conn, err := net.DialTimeout("tcp", addr, d.timeout)
	if err != nil {
		return "", "", wizerr.NewTransientNetwork("dial "+addr, err)
	}
	defer conn.Close()

	if d.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.timeout))
	}

	if _, err := conn.Write(probe); err != nil {
		return "", "", wizerr.NewTransientNetwork("write probe", err)
	}

	discard := make([]byte, 4096)
	if _, err := conn.Read(discard); err != nil {
		return "", "", wizerr.NewTransientNetwork("read session frame", err)
	}

	reply := make([]byte, 4096)
	n, err := conn.Read(reply)
	if err != nil {
		return "", "", wizerr.NewTransientNetwork("read url frame", err)
	}
	reply = reply[:n]

	manifestURL, err = extractURL(reply, bytes.Index(reply, []byte("http")))
	if err != nil {
		return "", "", err
	}
	assetBaseURL, err = extractURL(reply, bytes.LastIndex(reply, []byte("http")))
	if err != nil {
		return "", "", err
	}
	d.logger.Debugf("PatchDirectory: manifest=%s asset=%s", manifestURL, assetBaseURL)
	return manifestURL, assetBaseURL, nil
}

// extractURL decodes the ASCII URL text that starts at the "http" marker
// found at markerPos; its length is the u16-le prefix immediately before
// the marker.
func extractURL(data []byte, markerPos int) (string, error) {
	if markerPos < 2 {
		return "", wizerr.NewProtocol("extractURL", fmt.Errorf("http marker not found or too close to start of buffer"))
	}
	lengthPos := markerPos - 2
	length := int(binary.LittleEndian.Uint16(data[lengthPos:markerPos]))
	start := markerPos
	end := start + length
	if end > len(data) {
		return "", wizerr.NewProtocol("extractURL", fmt.Errorf("length prefix %d overruns buffer (have %d bytes from %d)", length, len(data)-start, start))
	}
	text := data[start:end]
	if !utf8.Valid(text) {
		return "", wizerr.NewProtocol("extractURL", fmt.Errorf("url span is not valid utf-8"))
	}
	return string(text), nil
}
