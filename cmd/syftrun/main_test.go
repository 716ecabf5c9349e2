package main

import (
	"flag"
	"reflect"
	"testing"
)

func TestParseTags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"stats", []string{"stats"}},
		{"stats,csv", []string{"stats", "csv"}},
		{" stats , csv ", []string{"stats", "csv"}},
		{"stats,,csv,", []string{"stats", "csv"}},
	}
	for _, tc := range cases {
		if got := parseTags(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseTags(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestFlagWasSet(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String("config", "config.yaml", "")
	fs.String("name", "", "")

	if err := fs.Parse([]string{"--name", "job"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !flagWasSet(fs, "name") {
		t.Error("name was passed and should report set")
	}
	if flagWasSet(fs, "config") {
		t.Error("config kept its default and should not report set")
	}
}
