package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// registryABI is the interface of the on-chain credential registry.
const registryABI = `[
	{"type":"function","name":"issueCredential","stateMutability":"nonpayable",
	 "inputs":[{"name":"subjectKey","type":"string"},{"name":"fingerprint","type":"bytes32"},{"name":"cid","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"revokeCredential","stateMutability":"nonpayable",
	 "inputs":[{"name":"subjectKey","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"verifyCredential","stateMutability":"view",
	 "inputs":[{"name":"subjectKey","type":"string"},{"name":"fingerprint","type":"bytes32"}],
	 "outputs":[{"name":"valid","type":"bool"}]},
	{"type":"function","name":"getCredential","stateMutability":"view",
	 "inputs":[{"name":"subjectKey","type":"string"}],
	 "outputs":[{"name":"fingerprint","type":"bytes32"},{"name":"cid","type":"string"},{"name":"issuedAt","type":"uint256"},{"name":"revoked","type":"bool"},{"name":"exists","type":"bool"}]}
]`

const (
	methodIssue  = "issueCredential"
	methodRevoke = "revokeCredential"
	methodVerify = "verifyCredential"
	methodGet    = "getCredential"
)

var registry = mustParseABI(registryABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
