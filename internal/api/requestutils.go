package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
)

type errorEnvelope struct {
	Error string `json:"error"`
}

// contentRangePattern 匹配 "bytes start-end/total"，范围两端均为闭区间。
var contentRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// parseContentRange 解析 Content-Range 头，格式不符时报 400 级错误。
func parseContentRange(header string) (start, end, total int64, err error) {
	match := contentRangePattern.FindStringSubmatch(header)
	if match == nil {
		return 0, 0, 0, fmt.Errorf("Wrong Content-Range header %q", header)
	}

	start, err = strconv.ParseInt(match[1], 10, 64)
	if err == nil {
		end, err = strconv.ParseInt(match[2], 10, 64)
	}
	if err == nil {
		total, err = strconv.ParseInt(match[3], 10, 64)
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("Wrong Content-Range header %q", header)
	}

	if end < start || total < end+1 {
		return 0, 0, 0, fmt.Errorf("Wrong Content-Range header %q", header)
	}

	return start, end, total, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: message})
}
