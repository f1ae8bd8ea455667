package tryonbroker

import (
	"strings"

	"github.com/tidwall/gjson"
)

// extractor locates raw result entries in a provider payload.
type extractor func(out gjson.Result) ([]gjson.Result, bool)

// extractors are tried in order; the first match wins.
var extractors = []extractor{
	imageArray,
	singleURL,
}

var (
	imageArrayPaths = []string{"images", "response.images", "output.images", "result.images"}
	singleURLPaths  = []string{"url", "image", "image_url", "response.url", "output.url"}
	entryURLFields  = []string{"url", "image", "image_url", "secure_url"}
)

// Normalize reduces a provider result payload to an ordered list of images.
// Unrecognized entries are dropped. The returned slice is never nil.
func Normalize(raw []byte) []Image {
	images := []Image{}
	if !gjson.ValidBytes(raw) {
		return images
	}
	out := gjson.ParseBytes(raw)

	var entries []gjson.Result
	for _, extract := range extractors {
		if found, ok := extract(out); ok {
			entries = found
			break
		}
	}

	for _, e := range entries {
		if u, ok := entryURL(e); ok {
			images = append(images, Image{URL: u})
		}
	}
	return images
}

// PayloadKeys returns the top-level keys of a JSON object payload.
// Used for diagnostics when Normalize finds nothing.
func PayloadKeys(raw []byte) []string {
	out := gjson.ParseBytes(raw)
	if !out.IsObject() {
		return nil
	}
	var keys []string
	out.ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	return keys
}

func imageArray(out gjson.Result) ([]gjson.Result, bool) {
	r := firstPresent(out, imageArrayPaths)
	if !r.IsArray() {
		return nil, false
	}
	entries := r.Array()
	return entries, len(entries) > 0
}

func singleURL(out gjson.Result) ([]gjson.Result, bool) {
	r := firstPresent(out, singleURLPaths)
	if r.Type != gjson.String || !strings.HasPrefix(r.Str, "http") {
		return nil, false
	}
	return []gjson.Result{r}, true
}

// firstPresent returns the first path whose value is neither missing nor null.
func firstPresent(out gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		if r := out.Get(p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func entryURL(e gjson.Result) (string, bool) {
	switch {
	case e.Type == gjson.String:
		return e.Str, e.Str != ""
	case e.IsObject():
		for _, f := range entryURLFields {
			v := e.Get(f)
			if !truthy(v) {
				continue
			}
			if v.Type != gjson.String {
				return "", false
			}
			return v.Str, true
		}
	}
	return "", false
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.True, gjson.JSON:
		return true
	default:
		return false
	}
}
