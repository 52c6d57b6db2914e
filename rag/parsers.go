package rag

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// ParseSubQueries 解析编号列表形式的模型输出。
// 只保留以数字开头的行并去掉编号前缀；一条都没有时退化为原查询。
func ParseSubQueries(output, query string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !unicode.IsDigit(rune(line[0])) {
			continue
		}
		rest := strings.TrimLeftFunc(line, unicode.IsDigit)
		rest = strings.TrimLeft(rest, ".):- \t")
		rest = strings.TrimSpace(rest)
		if rest != "" {
			out = append(out, rest)
		}
	}
	if len(out) == 0 {
		return []string{query}
	}
	return out
}

// tripleJSON 接受 snake_case 与 camelCase 两种类型字段
type tripleJSON struct {
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Relation    string `json:"relation"`
	Object      string `json:"object"`
	SubjectType string `json:"subject_type"`
	ObjectType  string `json:"object_type"`
}

// ParseTriples 解析抽取模型输出：JSON 数组（对象或三元字符串数组），
// 或每行 "subject | predicate | object"。
// 空输出、"[]" 与 "none" 表示没有三元组；其余无法解析的输出返回 ErrExtractionFailure。
func ParseTriples(output string) ([]Triple, error) {
	text := stripCodeFence(strings.TrimSpace(output))
	switch strings.ToLower(text) {
	case "", "[]", "none":
		return nil, nil
	}
	if strings.HasPrefix(text, "[") {
		return parseTriplesJSON(text)
	}
	return parseTriplesLines(text)
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseTriplesJSON(text string) ([]Triple, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailure, err)
	}
	out := make([]Triple, 0, len(items))
	for i, raw := range items {
		var t Triple
		var arr []string
		if err := json.Unmarshal(raw, &arr); err == nil {
			if len(arr) != 3 {
				return nil, fmt.Errorf("%w: item %d has %d fields", ErrExtractionFailure, i, len(arr))
			}
			t = Triple{Subject: arr[0], Predicate: arr[1], Object: arr[2]}
		} else {
			var obj tripleJSON
			if err := json.Unmarshal(raw, &obj); err != nil {
				return nil, fmt.Errorf("%w: item %d: %v", ErrExtractionFailure, i, err)
			}
			pred := obj.Predicate
			if pred == "" {
				pred = obj.Relation
			}
			t = Triple{Subject: obj.Subject, Predicate: pred, Object: obj.Object, SubjectType: obj.SubjectType, ObjectType: obj.ObjectType}
		}
		t = t.trimmed()
		if !t.Valid() {
			return nil, fmt.Errorf("%w: item %d is missing a required field", ErrExtractionFailure, i)
		}
		out = append(out, t)
	}
	return out, nil
}

func parseTriplesLines(text string) ([]Triple, error) {
	var out []Triple
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "|") {
			continue
		}
		line = strings.TrimLeft(line, "-*• ")
		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrExtractionFailure, n+1, len(parts))
		}
		t := Triple{Subject: parts[0], Predicate: parts[1], Object: parts[2]}.trimmed()
		if !t.Valid() {
			return nil, fmt.Errorf("%w: line %d is missing a required field", ErrExtractionFailure, n+1)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no triples in model output", ErrExtractionFailure)
	}
	return out, nil
}
