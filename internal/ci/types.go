// Package ci polls an external CI server for the outcome of the build that gates a training run.
package ci

import (
	"net/url"
	"strconv"
	"strings"
)

// BuildResult is the outcome of polling a CI build.
type BuildResult string

const (
	ResultPending BuildResult = "PENDING"
	ResultSuccess BuildResult = "SUCCESS"
	ResultFailure BuildResult = "FAILURE"
)

// IsTerminal reports whether no further polling can change the result.
func (r BuildResult) IsTerminal() bool {
	return r == ResultSuccess || r == ResultFailure
}

// JobRequest identifies a CI job and the credentials used to query it.
// It is treated as immutable once polling starts.
type JobRequest struct {
	BaseURL string
	Name    string
	User    string
	Token   string
}

func (r JobRequest) jobURL() string {
	return r.jobBase() + "/api/json"
}

func (r JobRequest) buildURL(number int) string {
	return r.jobBase() + "/" + strconv.Itoa(number) + "/api/json"
}

func (r JobRequest) jobBase() string {
	return strings.TrimRight(r.BaseURL, "/") + "/job/" + url.PathEscape(r.Name)
}

// Build is the last observed state of a CI build.
type Build struct {
	Number    int         `json:"number"`
	Result    BuildResult `json:"result"`
	RawResult string      `json:"rawResult,omitempty"` // as reported by the CI server
	Polls     int         `json:"polls"`               // build status requests issued
}

// jobInfo is the subset of the job API response that is read.
type jobInfo struct {
	LastBuild *struct {
		Number int `json:"number"`
	} `json:"lastBuild"`
}

// buildInfo is the subset of the build API response that is read.
type buildInfo struct {
	Number   int     `json:"number"`
	Building bool    `json:"building"`
	Result   *string `json:"result"`
}
