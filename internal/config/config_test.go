package config

import "testing"

func TestFromFlagsDefaults(t *testing.T) {
	cfg, err := FromFlags(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("unexpected default listen addr: %s", cfg.ListenAddr)
	}
	if cfg.ManagerCount < 1 || cfg.WorkerCount < 1 {
		t.Fatalf("expected positive defaults, got %+v", cfg)
	}
}

func TestFromFlagsRepeatedNSQLookup(t *testing.T) {
	cfg, err := FromFlags([]string{"--nsqlookup", "http://a:4161", "--nsqlookup", "http://b:4161"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.NSQLookup) != 2 {
		t.Fatalf("expected 2 lookup addresses, got %v", cfg.NSQLookup)
	}
}

func TestFromFlagsRejectsBadLogLevel(t *testing.T) {
	_, err := FromFlags([]string{"--log-level", "verbose"})
	if err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestFromFlagsRejectsZeroManagerCount(t *testing.T) {
	_, err := FromFlags([]string{"--manager-count", "0"})
	if err == nil {
		t.Fatal("expected an error for manager-count=0")
	}
}
