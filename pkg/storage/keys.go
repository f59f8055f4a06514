package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
//
// Documents:
//   ord:<orderID>                        → Order
//   pos:<positionID>                     → Position
//   bal:<address>:<asset>                → Balance
//   trade:<market>:<unixnano>:<tradeID>  → Trade
//   fund:<market>:<unixnano>:<id>        → FundingRecord
//
// Secondary indexes (empty values, rewritten with the document):
//   idx:ord:mkt:<market>:<status>:<orderID>
//   idx:ord:usr:<address>:<status>:<orderID>
//   idx:pos:mkt:<market>:<status>:<positionID>
//   idx:pos:usr:<address>:<status>:<positionID>
//
// Addresses are lowercase hex. Timestamps are zero-padded to 20 digits so
// lexicographic order is chronological.

const (
	prefixOrder    = "ord:"
	prefixPosition = "pos:"
	prefixBalance  = "bal:"
	prefixTrade    = "trade:"
	prefixFunding  = "fund:"
	prefixIndex    = "idx:"
)

func addrKey(a common.Address) string { return strings.ToLower(a.Hex()) }

func orderKey(id string) []byte    { return []byte(prefixOrder + id) }
func positionKey(id string) []byte { return []byte(prefixPosition + id) }

func balanceKey(user common.Address, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, addrKey(user), asset))
}

// balancePrefix returns "bal:" or "bal:<address>:" when user is set.
func balancePrefix(user *common.Address) []byte {
	if user == nil {
		return []byte(prefixBalance)
	}
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, addrKey(*user)))
}

func timeKey(prefix, market string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefix, market, ts.UnixNano(), id))
}

func seriesPrefix(prefix, market string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefix, market))
}

// indexKey builds idx:<kind>:<dim>:<value>:<status>:<id>.
func indexKey(kind, dim, value, status, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s:%s:%s", prefixIndex, kind, dim, value, status, id))
}

// indexPrefix builds the scan prefix for one dimension value, narrowed to a
// status when status is non-empty.
func indexPrefix(kind, dim, value, status string) []byte {
	if status == "" {
		return []byte(fmt.Sprintf("%s%s:%s:%s:", prefixIndex, kind, dim, value))
	}
	return []byte(fmt.Sprintf("%s%s:%s:%s:%s:", prefixIndex, kind, dim, value, status))
}

// idFromIndexKey returns the trailing document id.
func idFromIndexKey(key []byte) string {
	s := string(key)
	return s[strings.LastIndexByte(s, ':')+1:]
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "ord:" -> upper bound "ord;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
