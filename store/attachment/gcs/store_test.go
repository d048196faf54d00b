package gcs

import "testing"

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{name: "valid", uri: "gs://mail/bodies/ab/abcdef", bucket: "mail", key: "bodies/ab/abcdef"},
		{name: "wrong scheme", uri: "s3://mail/x", wantErr: true},
		{name: "no key", uri: "gs://mail", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := parseGCSURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseGCSURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
			if bucket != tt.bucket || key != tt.key {
				t.Errorf("parseGCSURI(%q) = %q, %q", tt.uri, bucket, key)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	opts, err := buildClientOptions(newOptions(WithoutAuthentication(), WithEndpoint("http://localhost:4443/storage/v1/")))
	if err != nil {
		t.Fatalf("buildClientOptions: %v", err)
	}
	if len(opts) != 2 {
		t.Errorf("got %d client options, want 2", len(opts))
	}
}
