package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"  hello  ", 100, "hello"},
		{"hello\x00world", 100, "helloworld"},
		{"abcdefghij", 5, "abcde"},
		{"żółw_żółw", 4, "żółw"},
		{"", 10, ""},
	}

	for _, tt := range tests {
		if got := SanitizeString(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"42", 42, true},
		{" 7 ", 7, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"abc", 0, false},
		{"", 0, false},
		{"99999999999999999999", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseID(tt.input)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseID(%q) = %d, %v; want %d, ok=%v", tt.input, got, err, tt.want, tt.ok)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("username", ""),
		PositiveID("referrerId", 0),
		PositiveID("referredId", 5),
		MaxLength("firstName", "ok", MaxNameLength),
	)

	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "username" || errs[1].Field != "referrerId" {
		t.Errorf("unexpected fields: %v", errs)
	}
	if errs.Error() != "username: is required" {
		t.Errorf("unexpected message: %s", errs.Error())
	}
}

func TestValidationErrors_EmptyMessage(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "validation failed" {
		t.Errorf("got %q", got)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("name", strings.Repeat("a", MaxNameLength), MaxNameLength)(); err != nil {
		t.Errorf("expected no error at the limit, got %v", err)
	}
	if err := MaxLength("name", strings.Repeat("a", MaxNameLength+1), MaxNameLength)(); err == nil {
		t.Error("expected error above the limit")
	}
	if err := MaxLength("name", strings.Repeat("ż", MaxNameLength), MaxNameLength)(); err != nil {
		t.Errorf("multi-byte characters should count once, got %v", err)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
