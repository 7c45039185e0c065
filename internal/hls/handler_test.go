package hls

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/grafov/m3u8"

	"llhls-buffer/internal/platform/logger"
	"llhls-buffer/internal/stream"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	svc := newTestService(t, testSettings(), nil)
	return NewHandler(svc, logger.Discard(), nil)
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func do(r http.Handler, method, target string, body []byte, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createStream(t *testing.T, r http.Handler) string {
	t.Helper()
	rec := do(r, http.MethodPost, "/streams", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create stream: expected 201, got %d", rec.Code)
	}
	var info StreamInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return string(info.Token)
}

func postPart(t *testing.T, r http.Handler, token, query string, body []byte) {
	t.Helper()
	rec := do(r, http.MethodPost, "/streams/"+token+"/parts?"+query, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("post part: expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateStream(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	rec := do(r, http.MethodPost, "/streams", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	var info StreamInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Token == "" || len(info.Outputs) != 1 {
		t.Errorf("unexpected body: %+v", info)
	}

	rec = do(r, http.MethodGet, "/streams/"+string(info.Token), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get stream: expected 200, got %d", rec.Code)
	}
}

func TestHandler_PostPart(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)

	rec := do(r, http.MethodPost, "/streams/"+token+"/parts?duration=1.0&keyframe=true", []byte("abc"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["sequence"] != float64(0) || body["parts"] != float64(1) || body["complete"] != false {
		t.Errorf("unexpected body: %v", body)
	}

	rec = do(r, http.MethodPost, "/streams/"+token+"/parts?duration=1.0&segment_duration=2.0", []byte("def"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	body = nil
	json.NewDecoder(rec.Body).Decode(&body)
	if body["complete"] != true {
		t.Errorf("expected complete segment: %v", body)
	}
}

func TestHandler_PostPart_badRequest(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)

	cases := map[string]struct {
		query string
		body  []byte
	}{
		"missing duration":   {"", []byte("abc")},
		"bad keyframe":       {"duration=1&keyframe=maybe", []byte("abc")},
		"bad segment":        {"duration=1&segment_duration=x", []byte("abc")},
		"negative duration":  {"duration=-1", []byte("abc")},
		"empty body":         {"duration=1", nil},
		"negative segment d": {"duration=1&segment_duration=-2", []byte("abc")},
	}
	for name, tc := range cases {
		rec := do(r, http.MethodPost, "/streams/"+token+"/parts?"+tc.query, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestHandler_unknownStream(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/streams/missing"},
		{http.MethodPost, "/streams/missing/parts?duration=1"},
		{http.MethodPut, "/streams/missing/init"},
		{http.MethodPost, "/streams/missing/discontinuity"},
		{http.MethodGet, "/streams/missing/playlist.m3u8"},
		{http.MethodGet, "/streams/missing/master_playlist.m3u8"},
		{http.MethodGet, "/streams/missing/init.mp4"},
		{http.MethodGet, "/streams/missing/segment/0.m4s"},
	} {
		rec := do(r, tc.method, tc.target, []byte("data"))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.target, rec.Code)
		}
	}
}

func TestHandler_EndStream(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)

	if rec := do(r, http.MethodPost, "/streams/"+token+"/end", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/streams/"+token+"/parts?duration=1", []byte("abc")); rec.Code != http.StatusNotFound {
		t.Errorf("part after end: expected 404, got %d", rec.Code)
	}
	// idempotent
	if rec := do(r, http.MethodPost, "/streams/"+token+"/end", nil); rec.Code != http.StatusOK {
		t.Errorf("second end: expected 200, got %d", rec.Code)
	}
}

func TestHandler_Init(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)

	if rec := do(r, http.MethodPut, "/streams/"+token+"/init", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty init: expected 400, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPut, "/streams/"+token+"/init", []byte("ftypmoov")); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	postPart(t, r, token, "duration=1&keyframe=true", []byte("abc"))

	rec := do(r, http.MethodGet, "/streams/"+token+"/init.mp4", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != initContentType {
		t.Errorf("Content-Type: got %q", ct)
	}
	if rec.Body.String() != "ftypmoov" {
		t.Errorf("body: got %q", rec.Body.String())
	}
}

func TestHandler_MediaPlaylist(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true", []byte("abc"))

	rec := do(r, http.MethodGet, "/streams/"+token+"/playlist.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type: got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control: got %q", cc)
	}
	if !strings.Contains(rec.Body.String(), `BYTERANGE="3@0",INDEPENDENT=YES`) {
		t.Errorf("expected part line: %s", rec.Body.String())
	}

	rec = do(r, http.MethodGet, "/streams/"+token+"/playlist.m3u8?_HLS_msn=0&_HLS_part=0", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("satisfied blocking reload: expected 200, got %d", rec.Code)
	}
}

func TestHandler_MediaPlaylist_badBlockingReload(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true", []byte("abc"))

	for _, q := range []string{"_HLS_part=1", "_HLS_msn=x", "_HLS_msn=-1", "_HLS_msn=0&_HLS_part=x", "_HLS_msn=9"} {
		rec := do(r, http.MethodGet, "/streams/"+token+"/playlist.m3u8?"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHandler_MediaPlaylist_timeout(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)

	rec := do(r, http.MethodGet, "/streams/"+token+"/playlist.m3u8", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
}

func TestHandler_MasterPlaylist(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true&segment_duration=2", bytes.Repeat([]byte{'a'}, 1000))

	rec := do(r, http.MethodGet, "/streams/"+token+"/master_playlist.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	p, listType, err := m3u8.DecodeFrom(rec.Body, true)
	if err != nil {
		t.Fatalf("decode master playlist: %v", err)
	}
	if listType != m3u8.MASTER {
		t.Fatalf("expected master playlist, got %v", listType)
	}
	master := p.(*m3u8.MasterPlaylist)
	if len(master.Variants) != 1 {
		t.Fatalf("expected one variant, got %d", len(master.Variants))
	}
	if v := master.Variants[0]; v.URI != "./playlist.m3u8" || v.Bandwidth != 4800 {
		t.Errorf("unexpected variant: uri=%q bandwidth=%d", v.URI, v.Bandwidth)
	}
}

func TestHandler_Discontinuity(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true&segment_duration=2", []byte("abc"))

	if rec := do(r, http.MethodPost, "/streams/"+token+"/discontinuity", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	postPart(t, r, token, "duration=1&keyframe=true", []byte("def"))

	rec := do(r, http.MethodGet, "/streams/"+token+"/playlist.m3u8", nil)
	if !strings.Contains(rec.Body.String(), "#EXT-X-DISCONTINUITY\n") {
		t.Errorf("expected discontinuity marker: %s", rec.Body.String())
	}
}

func TestHandler_Segment(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true", []byte("abc"))
	postPart(t, r, token, "duration=1&segment_duration=2", []byte("def"))

	target := "/streams/" + token + "/segment/0.m4s"
	rec := do(r, http.MethodGet, target, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "abcdef" {
		t.Errorf("body: got %q", rec.Body.String())
	}
	if cl := rec.Header().Get("Content-Length"); cl != "6" {
		t.Errorf("Content-Length: got %q", cl)
	}
	if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
		t.Errorf("Content-Type: got %q", ct)
	}

	cases := []struct {
		rng, body, contentRange string
	}{
		{"bytes=2-4", "cde", "bytes 2-4/6"},
		{"bytes=3-", "def", "bytes 3-5/6"},
		{"bytes=4-100", "ef", "bytes 4-5/6"},
		{"bytes=-2", "ef", "bytes 4-5/6"},
	}
	for _, tc := range cases {
		rec := do(r, http.MethodGet, target, nil, "Range", tc.rng)
		if rec.Code != http.StatusPartialContent {
			t.Errorf("%s: expected 206, got %d", tc.rng, rec.Code)
			continue
		}
		if rec.Body.String() != tc.body {
			t.Errorf("%s: body %q, want %q", tc.rng, rec.Body.String(), tc.body)
		}
		if cr := rec.Header().Get("Content-Range"); cr != tc.contentRange {
			t.Errorf("%s: Content-Range %q, want %q", tc.rng, cr, tc.contentRange)
		}
	}
}

func TestHandler_Segment_badRanges(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true&segment_duration=2", []byte("abcdef"))
	target := "/streams/" + token + "/segment/0.m4s"

	rec := do(r, http.MethodGet, target, nil, "Range", "bytes=6-")
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("expected 416, got %d", rec.Code)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes */6" {
		t.Errorf("Content-Range: got %q", cr)
	}

	for _, rng := range []string{"items=0-1", "bytes=0-1,3-4", "bytes=3-1", "bytes=x-"} {
		if rec := do(r, http.MethodGet, target, nil, "Range", rng); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", rng, rec.Code)
		}
	}

	if rec := do(r, http.MethodGet, "/streams/"+token+"/segment/x.m4s", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad sequence: expected 400, got %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/streams/"+token+"/segment/7.m4s", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown segment: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Segment_streamsIncomplete(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true", []byte("abc"))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(r, http.MethodGet, "/streams/"+token+"/segment/0.m4s", nil)
	}()

	time.Sleep(50 * time.Millisecond)
	if rec := do(r, http.MethodPost, "/streams/"+token+"/parts?duration=1&segment_duration=2", []byte("def")); rec.Code != http.StatusCreated {
		t.Fatalf("post part: expected 201, got %d", rec.Code)
	}

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
		if rec.Body.String() != "abcdef" {
			t.Errorf("body: got %q", rec.Body.String())
		}
		if cl := rec.Header().Get("Content-Length"); cl != "" {
			t.Errorf("Content-Length should be unknown, got %q", cl)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("segment read did not finish")
	}
}

func TestHandler_Segment_openRangeIncomplete(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	postPart(t, r, token, "duration=1&keyframe=true", []byte("abc"))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(r, http.MethodGet, "/streams/"+token+"/segment/0.m4s", nil, "Range", "bytes=2-")
	}()

	time.Sleep(50 * time.Millisecond)
	if rec := do(r, http.MethodPost, "/streams/"+token+"/parts?duration=1&segment_duration=2", []byte("def")); rec.Code != http.StatusCreated {
		t.Fatalf("post part: expected 201, got %d", rec.Code)
	}

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
		if cr := rec.Header().Get("Content-Range"); cr != "" {
			t.Errorf("Content-Range should be absent, got %q", cr)
		}
		if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("Cache-Control: got %q", cc)
		}
		if rec.Body.String() != "cdef" {
			t.Errorf("body: got %q", rec.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("segment read did not finish")
	}

	// once complete the same range is framed
	rec := do(r, http.MethodGet, "/streams/"+token+"/segment/0.m4s", nil, "Range", "bytes=2-")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 2-5/6" {
		t.Errorf("Content-Range: got %q", cr)
	}
}

func TestHandler_bodyTooLarge(t *testing.T) {
	r := newTestRouter(newTestHandler(t))
	token := createStream(t, r)
	body := bytes.Repeat([]byte{0}, maxPartBytes+1)

	if rec := do(r, http.MethodPost, "/streams/"+token+"/parts?duration=1", body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("part: expected 413, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPut, "/streams/"+token+"/init", body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("init: expected 413, got %d", rec.Code)
	}
}

func TestParseRange_incomplete(t *testing.T) {
	br, err := parseRange("bytes=2-", 3, false)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if br.start != 2 || br.end != stream.Unbounded || br.partial {
		t.Errorf("open-ended: %+v", br)
	}

	br, err = parseRange("bytes=2-9", 3, false)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if br.end != 10 || br.contentRange(3, false) != "bytes 2-9/*" {
		t.Errorf("bounded: %+v %q", br, br.contentRange(3, false))
	}

	if _, err := parseRange("bytes=-2", 3, false); err == nil {
		t.Error("suffix range on an incomplete segment should fail")
	}
}
