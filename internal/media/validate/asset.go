package validate

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// signature checks the leading bytes of a file.
type signature func(head []byte) bool

func prefix(p ...byte) signature {
	return func(h []byte) bool { return bytes.HasPrefix(h, p) }
}

func riff(form string) signature {
	return func(h []byte) bool {
		return len(h) >= 12 && string(h[:4]) == "RIFF" && string(h[8:12]) == form
	}
}

// isoBox matches ISO base media files (mp4, mov) by their first box type.
func isoBox(types ...string) signature {
	return func(h []byte) bool {
		if len(h) < 8 {
			return false
		}
		box := string(h[4:8])
		for _, t := range types {
			if box == t {
				return true
			}
		}
		return false
	}
}

func mp3(h []byte) bool {
	if bytes.HasPrefix(h, []byte("ID3")) {
		return true
	}
	// MPEG audio frame sync: 11 set bits.
	return len(h) >= 2 && h[0] == 0xFF && h[1]&0xE0 == 0xE0
}

type kind struct {
	name  string
	match []signature
}

var kinds = map[string]kind{
	".png":  {"png", []signature{prefix(0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n')}},
	".jpg":  {"jpeg", []signature{prefix(0xFF, 0xD8, 0xFF)}},
	".jpeg": {"jpeg", []signature{prefix(0xFF, 0xD8, 0xFF)}},
	".gif":  {"gif", []signature{prefix([]byte("GIF87a")...), prefix([]byte("GIF89a")...)}},
	".webp": {"webp", []signature{riff("WEBP")}},
	".mp4":  {"mp4", []signature{isoBox("ftyp")}},
	".mov":  {"mov", []signature{isoBox("ftyp", "moov", "mdat", "wide", "free")}},
	".wav":  {"wav", []signature{riff("WAVE")}},
	".mp3":  {"mp3", []signature{mp3}},
}

const headLen = 16

// AssetValidator checks existence, size and magic bytes of media files.
type AssetValidator struct{}

func NewAssetValidator() *AssetValidator {
	return &AssetValidator{}
}

// Validate checks one file.
func (v *AssetValidator) Validate(path string) Result {
	res := Result{Path: path, Valid: true}

	st, err := os.Stat(path)
	if err != nil {
		res.fail("file not found: " + path)
		return res
	}
	if st.IsDir() {
		res.fail("path is a directory: " + path)
		return res
	}
	if st.Size() == 0 {
		res.fail("file is empty")
		res.Corrupted = true
		return res
	}
	res.diag("size_bytes", fmt.Sprint(st.Size()))

	ext := strings.ToLower(filepath.Ext(path))
	k, ok := kinds[ext]
	if !ok {
		res.fail("invalid file type: " + ext)
		return res
	}

	head, err := readHead(path)
	if err != nil {
		res.fail("cannot read file: " + err.Error())
		return res
	}
	for _, m := range k.match {
		if m(head) {
			res.DetectedType = k.name
			return res
		}
	}
	res.Corrupted = true
	res.fail(fmt.Sprintf("corrupted: content does not match %s signature", k.name))
	return res
}

// ValidateAll checks every path and counts the outcomes.
func (v *AssetValidator) ValidateAll(paths []string) Summary {
	s := Summary{Results: make([]Result, 0, len(paths))}
	for _, p := range paths {
		r := v.Validate(p)
		if r.Valid {
			s.ValidCount++
		} else {
			s.InvalidCount++
		}
		s.Results = append(s.Results, r)
	}
	return s
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, headLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return head[:n], nil
}
