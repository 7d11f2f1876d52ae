package storage

import (
	mathrand "math/rand"
	"path"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

const (
	// PrefixVolumes holds uploaded full documents.
	PrefixVolumes = "volumes"
	// PrefixPreviews holds generated preview documents.
	PrefixPreviews = "previews"

	maxBaseNameLength = 120
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewKey returns "<prefix>/<ulid>-<sanitised base name>", sortable by creation time.
func NewKey(prefix, filename string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	entropyMu.Unlock()

	base := sanitizeBaseName(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if base == "" {
		return path.Join(prefix, id)
	}
	return path.Join(prefix, id+"-"+base)
}

// PreviewKeyFor derives a preview key from the full document's key.
func PreviewKeyFor(documentKey string) string {
	base := path.Base(documentKey)
	if index := strings.IndexByte(base, '-'); index == 26 {
		base = base[index+1:]
	}
	return NewKey(PrefixPreviews, "preview_"+base)
}

func sanitizeBaseName(name string) string {
	var builder strings.Builder
	for _, r := range name {
		switch {
		case r == '.' || r == '-' || r == '_':
			builder.WriteRune(r)
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			builder.WriteRune(r)
		case unicode.IsSpace(r):
			builder.WriteRune('_')
		}
	}
	cleaned := strings.Trim(builder.String(), "._")
	if len(cleaned) > maxBaseNameLength {
		cleaned = cleaned[len(cleaned)-maxBaseNameLength:]
	}
	return cleaned
}
