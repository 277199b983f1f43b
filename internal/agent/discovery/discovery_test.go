package discovery

import (
	"strings"
	"testing"
)

func TestLookupNoSuchDomain(t *testing.T) {
	_, err := Lookup("invalid.test")
	if err == nil {
		t.Fatal("Lookup succeeded for a reserved test domain")
	}
	if !strings.Contains(err.Error(), "_meridian-grpc._tcp.invalid.test") {
		t.Errorf("error does not name the SRV record: %v", err)
	}
}

func TestLookupWithRetryGivesUp(t *testing.T) {
	_, err := LookupWithRetry("invalid.test", 1)
	if err == nil {
		t.Fatal("LookupWithRetry succeeded for a reserved test domain")
	}
	if !strings.Contains(err.Error(), "after 1 attempts") {
		t.Errorf("error does not report attempt count: %v", err)
	}
}
