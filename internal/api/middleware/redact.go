package middleware

import "net/url"

// redactQuery 访问日志中隐去 access_token
func redactQuery(raw string) string {
	if raw == "" {
		return raw
	}
	values, err := url.ParseQuery(raw)
	if err != nil || !values.Has("access_token") {
		return raw
	}
	values.Set("access_token", "REDACTED")
	return values.Encode()
}
