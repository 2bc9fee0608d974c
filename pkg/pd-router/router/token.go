/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package router

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	tokenPrefillPrefix = "___prefill_addr_"
	tokenDecodeMarker  = "___decode_addr_"
)

// NewRoutingToken builds the request id sent to both workers. It names the KV
// transfer addresses of the pair so each worker can find its peer:
//
//	___prefill_addr_<P>___decode_addr_<D>_<32 hex uuid>
func NewRoutingToken(prefillAddr, decodeAddr string) string {
	id := uuid.New()
	return tokenPrefillPrefix + prefillAddr + tokenDecodeMarker + decodeAddr + "_" + hex.EncodeToString(id[:])
}

// ParseRoutingToken extracts the prefill and decode addresses from a token.
// Tokens embedded in a larger id such as "cmpl-<token>-0" are accepted.
func ParseRoutingToken(token string) (prefillAddr, decodeAddr string, err error) {
	start := strings.Index(token, tokenPrefillPrefix)
	if start < 0 {
		return "", "", fmt.Errorf("missing prefill address in %q", token)
	}
	rest := token[start+len(tokenPrefillPrefix):]
	mid := strings.Index(rest, tokenDecodeMarker)
	if mid <= 0 {
		return "", "", fmt.Errorf("missing decode address in %q", token)
	}
	prefillAddr = rest[:mid]
	rest = rest[mid+len(tokenDecodeMarker):]

	// the uuid is exactly 32 hex characters after the last separator
	end := strings.LastIndex(rest, "_")
	for end > 0 && len(rest)-end-1 < 32 {
		end = strings.LastIndex(rest[:end], "_")
	}
	if end <= 0 {
		return "", "", fmt.Errorf("missing request uuid in %q", token)
	}
	if _, err := hex.DecodeString(rest[end+1 : end+33]); err != nil {
		return "", "", fmt.Errorf("invalid request uuid in %q", token)
	}
	return prefillAddr, rest[:end], nil
}
