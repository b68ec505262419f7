package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/staticimp/staticimp/pkg/core"
)

// MaxBodyBytes bounds submission bodies.
const MaxBodyBytes = 1 << 20

// errUnsupportedMedia is answered with 415.
var errUnsupportedMedia = errors.New("unsupported content type")

// decodeFields reads the submitted fields according to the Content-Type.
func decodeFields(r *http.Request) (map[string]any, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return nil, fmt.Errorf("%w: missing content type", errUnsupportedMedia)
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnsupportedMedia, err)
	}

	body := io.LimitReader(r.Body, MaxBodyBytes+1)
	switch mediaType {
	case "application/x-www-form-urlencoded":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrMalformedBody, err)
		}
		if len(data) > MaxBodyBytes {
			return nil, fmt.Errorf("%w: body too large", core.ErrMalformedBody)
		}
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid form: %v", core.ErrMalformedBody, err)
		}
		return formFields(values), nil
	case "application/json":
		return parseLimited(core.NewJSONSerializer(true), body)
	case "application/yaml", "application/x-yaml", "text/yaml":
		return parseLimited(core.NewYAMLSerializer(true), body)
	}
	return nil, fmt.Errorf("%w: %s", errUnsupportedMedia, mediaType)
}

func parseLimited(s core.Serializer, body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedBody, err)
	}
	if len(data) > MaxBodyBytes {
		return nil, fmt.Errorf("%w: body too large", core.ErrMalformedBody)
	}
	fields, err := s.Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// formFields flattens form values. "fields[name]" is accepted as "name" and
// wins over a plain "name" sent alongside it. Repeated keys become lists.
func formFields(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for key, vals := range values {
		if inner, ok := strings.CutPrefix(key, "fields["); ok && strings.HasSuffix(inner, "]") {
			key = strings.TrimSuffix(inner, "]")
		} else if _, shadowed := values["fields["+key+"]"]; shadowed {
			continue
		}
		if len(vals) == 1 {
			out[key] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, v := range vals {
			list[i] = v
		}
		out[key] = list
	}
	return out
}

// queryParams keeps the first value of each query parameter.
func queryParams(q url.Values) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// splitEntryPath splits "<project...>/<branch>/<entry_type>" from the right.
// Segments may be percent-encoded, so "group%2Fsite" and "group/site" name
// the same project.
func splitEntryPath(rest string) (project, branch, entryType string, err error) {
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("%w: want /v1/entry/{backend}/{project}/{branch}/{entry_type}", core.ErrMalformedBody)
	}
	for i, part := range parts {
		if parts[i], err = url.PathUnescape(part); err != nil {
			return "", "", "", fmt.Errorf("%w: %v", core.ErrMalformedBody, err)
		}
	}
	n := len(parts)
	project = strings.Join(parts[:n-2], "/")
	branch, entryType = parts[n-2], parts[n-1]
	if project == "" || branch == "" || entryType == "" {
		return "", "", "", fmt.Errorf("%w: empty path segment", core.ErrMalformedBody)
	}
	return project, branch, entryType, nil
}
