package tunnelclient

import (
	"bytes"
	"encoding/json"
	"io"
)

func unmarshalFrame(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// newBodyReader returns nil for an empty body so http.NewRequestWithContext
// does not attach a zero-length io.Reader (which some servers treat
// differently from no body at all, e.g. for GET requests).
func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
