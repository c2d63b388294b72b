package config

const redacted = "***REDACTED***"

// SecretString keeps credentials out of logs and JSON dumps.
// Call Unmask where the raw value is actually needed.
type SecretString string

func (s SecretString) String() string {
	return redacted
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s SecretString) Unmask() string {
	return string(s)
}
