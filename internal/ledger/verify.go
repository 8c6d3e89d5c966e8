package ledger

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"relayer/internal/models"
)

var signaturePattern = regexp.MustCompile(`^0x[0-9a-f]{64}-[0-9]+$`)

// Problem is an inconsistency found in a loaded ledger
type Problem struct {
	Signature models.EventSignature
	Reason    string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Signature, p.Reason)
}

// Verify checks every record of a loaded ledger for content the relayer could
// not have written. Problems are ordered by signature.
func Verify(state *models.LedgerState) []Problem {
	var problems []Problem

	sigs := make([]models.EventSignature, 0, len(state.Events))
	for sig := range state.Events {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i] < sigs[j] })

	for _, sig := range sigs {
		record := state.Events[sig]
		report := func(format string, args ...any) {
			problems = append(problems, Problem{Signature: sig, Reason: fmt.Sprintf(format, args...)})
		}

		if !signaturePattern.MatchString(string(sig)) {
			report("malformed signature")
		}

		p := record.Payload
		if p == nil {
			report("missing payload")
			continue
		}

		if len(sig) < 66 || p.SourceTransactionHash != string(sig[:66]) {
			report("payload transaction hash %s does not match signature", p.SourceTransactionHash)
		}
		if !isChecksummed(p.Sender) {
			report("sender %q is not a checksummed address", p.Sender)
		}
		if !isChecksummed(p.Recipient) {
			report("recipient %q is not a checksummed address", p.Recipient)
		}
		if p.Amount == nil || p.Amount.Sign() < 0 {
			report("amount must be a non-negative integer")
		}
		if p.DestinationChainID == nil || p.DestinationChainID.Sign() < 0 {
			report("destination chain id must be a non-negative integer")
		}
		if record.CommittedAt.IsZero() {
			report("missing commit time")
		}
	}

	return problems
}

func isChecksummed(addr string) bool {
	return common.IsHexAddress(addr) && common.HexToAddress(addr).Hex() == addr
}
