// Package imagecodec turns image references into data URLs that vision
// models accept.
package imagecodec

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nachoal/localllm/llm"
)

const dataPrefix = "data:"

type sourceKind int

const (
	kindPath sourceKind = iota
	kindBytes
	kindString
)

// Source is an image reference: a file path, raw bytes, or an encoded string.
type Source struct {
	kind sourceKind
	path string
	data []byte
	str  string
}

// FromPath references an image file on disk.
func FromPath(path string) Source {
	return Source{kind: kindPath, path: path}
}

// FromBytes wraps raw image bytes.
func FromBytes(data []byte) Source {
	return Source{kind: kindBytes, data: data}
}

// FromString wraps a data URL or a bare base64 payload.
func FromString(s string) Source {
	return Source{kind: kindString, str: s}
}

// Ref guesses the source kind of a user-supplied reference: data URLs are
// strings, existing files are paths, anything else is treated as base64.
func Ref(ref string) Source {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(strings.ToLower(ref), dataPrefix) {
		return FromString(ref)
	}
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return FromPath(ref)
	}
	return FromString(ref)
}

// Encode returns src as a data:<mime>;base64,<payload> URL.
// Strings that are already data URLs are returned unchanged.
func Encode(src Source) (string, error) {
	switch src.kind {
	case kindPath:
		data, err := os.ReadFile(src.path)
		if err != nil {
			return "", llm.Protocolf("image", "read image %s: %v", src.path, err)
		}
		mt, err := detect(data, filepath.Ext(src.path))
		if err != nil {
			return "", err
		}
		return build(mt, base64.StdEncoding.EncodeToString(data)), nil

	case kindBytes:
		mt, err := detect(src.data, "")
		if err != nil {
			return "", err
		}
		return build(mt, base64.StdEncoding.EncodeToString(src.data)), nil

	default:
		s := strings.TrimSpace(src.str)
		if strings.HasPrefix(strings.ToLower(s), dataPrefix) {
			if _, _, err := Split(s); err != nil {
				return "", err
			}
			return s, nil
		}
		data, err := decodeBase64(s)
		if err != nil {
			return "", llm.Protocolf("image", "image is neither a data URL nor base64: %v", err)
		}
		mt, err := detect(data, "")
		if err != nil {
			return "", err
		}
		return build(mt, s), nil
	}
}

// EncodeAll encodes every reference with Ref + Encode, preserving order.
func EncodeAll(refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for i, ref := range refs {
		u, err := Encode(Ref(ref))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// Split separates a data URL into its MIME type and base64 payload.
func Split(dataURL string) (mimeType, payload string, err error) {
	if !strings.HasPrefix(strings.ToLower(dataURL), dataPrefix) {
		return "", "", llm.Protocolf("image", "not a data URL")
	}
	header, payload, ok := strings.Cut(dataURL[len(dataPrefix):], ",")
	if !ok || payload == "" {
		return "", "", llm.Protocolf("image", "data URL has no payload")
	}
	mimeType, enc, _ := strings.Cut(header, ";")
	if !strings.EqualFold(enc, "base64") {
		return "", "", llm.Protocolf("image", "data URL is not base64 encoded")
	}
	if !strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return "", "", llm.Protocolf("image", "unsupported media type %q", mimeType)
	}
	return mimeType, payload, nil
}

// Payload returns the raw base64 payload of an encoded image.
func Payload(dataURL string) (string, error) {
	_, p, err := Split(dataURL)
	return p, err
}

func detect(data []byte, ext string) (string, error) {
	if len(data) == 0 {
		return "", llm.Protocolf("image", "empty image")
	}
	mt := http.DetectContentType(data)
	if strings.HasPrefix(mt, "image/") {
		return mt, nil
	}
	if ext != "" {
		if byExt, _, err := mime.ParseMediaType(mime.TypeByExtension(strings.ToLower(ext))); err == nil && strings.HasPrefix(byExt, "image/") {
			return byExt, nil
		}
	}
	return "", llm.Protocolf("image", "unsupported media type %q", mt)
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func build(mimeType, payload string) string {
	return dataPrefix + mimeType + ";base64," + payload
}
