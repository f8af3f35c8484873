package vnish

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/powerhive/minerctl/pkg/miner"
)

// errKeyRejected marks a 403 on a request that carried an API key. It does
// not match miner.ErrUnauthorized so the bearer token survives while the key
// is replaced.
var errKeyRejected = errors.New("api key rejected")

// statusError maps a failed response onto the miner error taxonomy, keeping
// the firmware's own message when it sent one.
func statusError(code int, endpoint string, body []byte, keyed bool) error {
	if code == 403 && keyed {
		return fmt.Errorf("%w at %s", errKeyRejected, endpoint)
	}

	msg := string(body)
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Err != "" {
		msg = errResp.Err
	}
	return &miner.StatusError{StatusCode: code, Endpoint: endpoint, Body: msg}
}
