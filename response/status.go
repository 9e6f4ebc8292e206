package response

// statusText is the status->phrase table spec.md §4.1 says :reason
// defaults from when the responder left it unset. Grounded on the
// teacher's statusText map (src/http/utils_status.go), extended with the
// handful of 4xx/5xx codes this spec's protocol-error paths emit directly
// (413, 431, 501) so the driver never has to fall back to a blank reason.
var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	413: "Payload Too Large",
	414: "URI Too Long",
	426: "Upgrade Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

// ReasonPhrase returns the default reason phrase for status, or "" if
// unknown.
func ReasonPhrase(status int) string {
	return statusText[status]
}
