package main

import (
	"reflect"
	"testing"

	"github.com/sujitdhar014/image-processing-backend/internal/config"
)

func TestCORSConfigSplitsOrigins(t *testing.T) {
	c := corsConfig(&config.Config{CORSAllowedOrigins: "http://localhost:5173, https://app.example.com ,"})

	want := []string{"http://localhost:5173", "https://app.example.com"}
	if !reflect.DeepEqual(c.AllowOrigins, want) {
		t.Fatalf("AllowOrigins = %#v", c.AllowOrigins)
	}
	if c.AllowAllOrigins {
		t.Fatal("AllowAllOrigins should be false")
	}
}

func TestCORSConfigWildcard(t *testing.T) {
	c := corsConfig(&config.Config{CORSAllowedOrigins: "*"})
	if !c.AllowAllOrigins || len(c.AllowOrigins) != 0 {
		t.Fatalf("unexpected config: %+v", c)
	}
}
