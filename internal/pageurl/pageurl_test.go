package pageurl

import "testing"

func TestPageNumber(t *testing.T) {
	tests := []struct {
		url     string
		want    int
		wantErr bool
	}{
		{"https://getlatka.com/saas-companies", 1, false},
		{"https://getlatka.com/saas-companies?page=4", 4, false},
		{"https://getlatka.com/saas-companies?sort=rev&page=12#top", 12, false},
		{"https://getlatka.com/saas-companies?page=abc", 0, true},
		{"https://getlatka.com/saas-companies?page=0", 0, true},
	}
	for _, tt := range tests {
		got, err := PageNumber(tt.url)
		if (err != nil) != tt.wantErr {
			t.Fatalf("PageNumber(%q) error = %v; wantErr %v", tt.url, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("PageNumber(%q) = %d; want %d", tt.url, got, tt.want)
		}
	}
}

func TestWithPageRoundTrip(t *testing.T) {
	u, err := WithPage("https://getlatka.com/saas-companies?sort=rev", 7)
	if err != nil {
		t.Fatalf("WithPage() error = %v", err)
	}
	n, err := PageNumber(u)
	if err != nil || n != 7 {
		t.Fatalf("PageNumber(WithPage(7)) = %d, %v; want 7", n, err)
	}
}

func TestBaseURLIgnoresPage(t *testing.T) {
	a, _ := BaseURL("https://getlatka.com/saas-companies/?page=3&sort=rev")
	b, _ := BaseURL("https://getlatka.com/saas-companies?sort=rev&page=4#x")
	if a != b {
		t.Fatalf("BaseURL mismatch: %q vs %q", a, b)
	}
}

func TestMatches(t *testing.T) {
	if !Matches("https://GetLatka.com/saas-companies", "getlatka.com/saas") {
		t.Fatalf("Matches() = false; want true")
	}
	if Matches("https://example.com", "getlatka.com") {
		t.Fatalf("Matches() = true; want false")
	}
	if !Matches("anything", "") {
		t.Fatalf("Matches(empty filter) = false; want true")
	}
}
