package core

import "bytes"

// InjectScript inserts script into an HTML document, as early as possible:
// before </head>, after <head>, after the opening <body> or <html> tag, and
// finally at the start of the document.
func InjectScript(body []byte, script string) []byte {
	if idx := bytes.Index(body, []byte("</head>")); idx != -1 {
		return insertAt(body, idx, script)
	}
	if idx := bytes.Index(body, []byte("<head>")); idx != -1 {
		return insertAt(body, idx+len("<head>"), script)
	}
	for _, tag := range []string{"<body", "<html"} {
		idx := bytes.Index(body, []byte(tag))
		if idx == -1 {
			continue
		}
		if end := bytes.IndexByte(body[idx:], '>'); end != -1 {
			return insertAt(body, idx+end+1, script)
		}
	}
	return insertAt(body, 0, script)
}

func insertAt(body []byte, at int, script string) []byte {
	out := make([]byte, 0, len(body)+len(script))
	out = append(out, body[:at]...)
	out = append(out, script...)
	return append(out, body[at:]...)
}
