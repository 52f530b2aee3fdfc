package stream

// ContentType is the media type of a run response body.
const ContentType = "application/x-ndjson"

// Request asks the server to run a script. It is the JSON body of POST /run, or the first message on a /run/ws connection.
type Request struct {
	// Script is a path relative to the server's scripts directory.
	Script string   `json:"script"`
	Args   []string `json:"args,omitempty"`
	// User selects whose automation credentials are injected into the script's environment.
	User string `json:"user,omitempty"`
	// Control identifies the execution control that started the run. A control has at most one active run.
	// Defaults to Script.
	Control string `json:"control,omitempty"`
}

func (r Request) ControlKey() string {
	if r.Control != "" {
		return r.Control
	}
	return r.Script
}
