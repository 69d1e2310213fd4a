package store

import "strings"

// SearchMessages finds messages whose body contains query, case-insensitively,
// optionally restricted to one conversation. Newest matches come first.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Body, query, 32)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet returns up to width bytes of context on each side of the first match, with the match wrapped in << >>.
func snippet(body, query string, width int) string {
	lower := strings.ToLower(body)
	if len(lower) != len(body) {
		return body
	}
	i := strings.Index(lower, strings.ToLower(query))
	if i < 0 {
		return body
	}
	start, end := max(0, i-width), min(len(body), i+len(query)+width)
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(body[start:i])
	b.WriteString("<<")
	b.WriteString(body[i : i+len(query)])
	b.WriteString(">>")
	b.WriteString(body[i+len(query) : end])
	if end < len(body) {
		b.WriteString("...")
	}
	return b.String()
}
