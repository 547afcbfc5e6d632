package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/sharexpress/sharexpress/internal/models"
)

const maxFilenameBytes = 255

// dangerousExtensions are rejected outright: executables, scripts and
// archive formats that execute on double-click.
var dangerousExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".com": {}, ".scr": {}, ".msi": {},
	".bat": {}, ".cmd": {}, ".ps1": {}, ".sh": {}, ".bash": {},
	".vbs": {}, ".js": {}, ".jse": {}, ".wsf": {}, ".hta": {},
	".jar": {}, ".apk": {}, ".app": {}, ".pif": {}, ".cpl": {},
}

// allowedMIMETypes is the exact-match part of the sniffing allow-list;
// image/, video/ and audio/ prefixes are accepted wholesale.
var allowedMIMETypes = map[string]struct{}{
	"application/pdf":    {},
	"application/zip":    {},
	"application/gzip":   {},
	"application/x-tar":  {},
	"application/x-7z-compressed":  {},
	"application/x-rar-compressed": {},
	"application/vnd.rar":          {},
	"application/msword":           {},
	"application/vnd.ms-excel":     {},
	"application/vnd.ms-powerpoint": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"application/json": {},
	"text/plain":       {},
	"text/csv":         {},
	"text/html":        {},
	"application/rtf":  {},
	"application/octet-stream": {},
}

// SanitizeFilename reduces an untrusted filename to a storage-safe name:
// only the final path segment survives, control bytes are dropped, the
// result is capped at 255 bytes with the extension preserved.
func SanitizeFilename(name string) (string, error) {
	// Strip path components written with either separator.
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		if r < 32 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimSpace(b.String())

	if name == "" || name == "." || name == ".." {
		return "", E(KindValidation, "invalid filename")
	}

	if len(name) > maxFilenameBytes {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameBytes {
			ext = ""
		}
		// Never cut a multi-byte rune in half.
		cut := maxFilenameBytes - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	ext := strings.ToLower(filepath.Ext(name))
	if _, bad := dangerousExtensions[ext]; bad {
		return "", E(KindValidation, "file type %q is not allowed", ext)
	}

	return name, nil
}

// SniffMIMEType detects the true MIME type from leading content bytes and
// checks it against the allow-list. A mismatch between sniffed and declared
// types is reported back for logging but is not fatal; a disallowed sniffed
// type is.
func SniffMIMEType(head []byte, declared string) (actual string, mismatch bool, err error) {
	mt := mimetype.Detect(head)
	actual = mt.String()
	// mimetype appends parameters for some text types.
	if i := strings.Index(actual, ";"); i >= 0 {
		actual = strings.TrimSpace(actual[:i])
	}

	if !mimeAllowed(actual) {
		return "", false, E(KindValidation, "content type %q is not allowed", actual)
	}

	declared = strings.TrimSpace(strings.ToLower(declared))
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	mismatch = declared != "" && declared != actual

	return actual, mismatch, nil
}

func mimeAllowed(mime string) bool {
	if _, ok := allowedMIMETypes[mime]; ok {
		return true
	}
	for _, prefix := range []string{"image/", "video/", "audio/"} {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}

// Checksum returns the hex SHA-256 fingerprint of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// BatchLimits bounds a single init/complete request.
type BatchLimits struct {
	MaxFileSize int64
	MaxFiles    int
}

// ValidateBatch applies the whole-batch bounds: non-empty, file count cap,
// per-file size bounds and an aggregate cap of MaxFileSize*MaxFiles. Any
// violation fails the entire batch.
func (l BatchLimits) ValidateBatch(entries []models.UploadManifestEntry) error {
	if len(entries) == 0 {
		return E(KindValidation, "no files in request")
	}
	if len(entries) > l.MaxFiles {
		return E(KindValidation, "too many files: %d exceeds the limit of %d per request", len(entries), l.MaxFiles)
	}
	var total int64
	for _, e := range entries {
		if e.Size <= 0 {
			return E(KindValidation, "file %q has invalid size %d", e.Filename, e.Size)
		}
		if e.Size > l.MaxFileSize {
			return E(KindValidation, "file %q exceeds the per-file limit of %s",
				e.Filename, humanize.IBytes(uint64(l.MaxFileSize)))
		}
		total += e.Size
	}
	if total > l.MaxFileSize*int64(l.MaxFiles) {
		return E(KindValidation, "request exceeds the aggregate size limit")
	}
	return nil
}
