package vision

import (
	"net/url"
	"strings"
)

// Kind classifies an image reference by its form. Classification happens in a
// single parse step before any I/O so each acquisition branch works from an
// explicit variant instead of re-testing string prefixes.
type Kind int

const (
	KindInvalid Kind = iota
	KindEmbedded
	KindLocalFile
	KindAbsolutePath
	KindRemoteURL
)

func (k Kind) String() string {
	switch k {
	case KindEmbedded:
		return "embedded"
	case KindLocalFile:
		return "local-file"
	case KindAbsolutePath:
		return "absolute-path"
	case KindRemoteURL:
		return "remote-url"
	default:
		return "invalid"
	}
}

const (
	embeddedScheme  = "base64://"
	localFileScheme = "file://"
)

// Reference is a parsed image reference. Exactly one payload field is
// meaningful depending on Kind: Payload for KindEmbedded, Path for
// KindLocalFile and KindAbsolutePath, URL for KindRemoteURL.
type Reference struct {
	Kind    Kind
	Raw     string
	Payload string
	Path    string
	URL     string
}

// ParseReference classifies raw into a Reference. It performs no I/O and
// never fails; unrecognizable inputs come back as KindInvalid.
func ParseReference(raw string) Reference {
	ref := Reference{Kind: KindInvalid, Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ref
	}

	switch {
	case strings.HasPrefix(trimmed, embeddedScheme):
		ref.Kind = KindEmbedded
		ref.Payload = trimmed[len(embeddedScheme):]
	case strings.HasPrefix(trimmed, localFileScheme):
		decoded, err := url.PathUnescape(trimmed[len(localFileScheme):])
		if err != nil || decoded == "" {
			return ref
		}
		ref.Kind = KindLocalFile
		ref.Path = decoded
	case strings.HasPrefix(trimmed, "/"):
		ref.Kind = KindAbsolutePath
		ref.Path = trimmed
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Host == "" {
			return ref
		}
		ref.Kind = KindRemoteURL
		ref.URL = trimmed
	}
	return ref
}
