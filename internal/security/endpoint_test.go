package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	// IP literals only; no DNS resolution in unit tests.
	valid := []string{
		"https://203.0.113.10/hooks/bookings",
		"http://8.8.8.8:8080/callback",
	}
	for _, u := range valid {
		if err := ValidateEndpointURL(u); err != nil {
			t.Errorf("ValidateEndpointURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"",
		"ftp://203.0.113.10/hooks",
		"https://",
		"http://localhost/hooks",
		"http://127.0.0.1/hooks",
		"http://10.0.0.5/hooks",
		"http://192.168.1.1/hooks",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/hooks",
		"http://[::1]/hooks",
		"http://metadata.google.internal/computeMetadata",
	}
	for _, u := range invalid {
		if err := ValidateEndpointURL(u); err == nil {
			t.Errorf("ValidateEndpointURL(%q) = nil, want error", u)
		}
	}
}
