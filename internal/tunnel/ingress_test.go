package tunnel

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"
)

func TestIngress_WriteResponse_StripsHopByHopHeadersCaseInsensitively(t *testing.T) {
	il := &ingressListener{}
	w := httptest.NewRecorder()

	resp := &ResponseFrame{
		Status: 200,
		Headers: map[string]string{
			// lowercase, as a non-Go peer might send them — must still be
			// recognized as hop-by-hop and stripped.
			"content-length":   "5",
			"content-encoding": "gzip",
			"X-Custom":         "value",
		},
		Body: base64.StdEncoding.EncodeToString([]byte("hello")),
	}

	il.writeResponse(w, resp)

	if got := w.Header().Get("Content-Length"); got != "" {
		t.Errorf("Content-Length header leaked through as %q, want stripped", got)
	}
	if got := w.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding header leaked through as %q, want stripped", got)
	}
	if got := w.Header().Get("X-Custom"); got != "value" {
		t.Errorf("X-Custom header = %q, want %q (non-hop-by-hop headers must pass through)", got, "value")
	}
}
