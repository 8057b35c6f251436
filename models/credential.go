package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type DocumentType string

const (
	DocumentTranscript    DocumentType = "TRANSCRIPT"
	DocumentCertification DocumentType = "CERTIFICATION"
)

var documentTypes = []DocumentType{DocumentTranscript, DocumentCertification}

// ParseDocumentType parses a document type case-insensitively.
func ParseDocumentType(s string) (DocumentType, error) {
	for _, dt := range documentTypes {
		if strings.EqualFold(s, string(dt)) {
			return dt, nil
		}
	}
	return "", fmt.Errorf("unknown document type %q", s)
}

// KeyForm records which identifier a credential was indexed under on the ledger.
type KeyForm int

const (
	// The subject key (student/subject reference).
	KeyFormSubject KeyForm = iota
	// The legacy wallet-style address.
	KeyFormLegacyAddress
)

func (k KeyForm) String() string {
	switch k {
	case KeyFormSubject:
		return "subject"
	case KeyFormLegacyAddress:
		return "legacy_address"
	default:
		return fmt.Sprintf("KeyForm(%d)", int(k))
	}
}

// LedgerReceipt is the domain view of a confirmed ledger write.
// Amounts are decimal strings so no precision is lost.
type LedgerReceipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     string `json:"gasUsed"`
	GasPrice    string `json:"gasPrice"`
	TotalCost   string `json:"totalCost"`
}

// Credential is the off-chain projection of an anchored credential.
type Credential struct {
	ID            string
	SubjectKey    string
	LegacyAddress string
	KeyForm       KeyForm

	DocumentType DocumentType
	Fingerprint  string
	CID          string
	Metadata     json.RawMessage

	Issuance LedgerReceipt
	IssuedAt time.Time
	IssuedBy string

	IsRevoked        bool
	RevokedAt        time.Time
	RevocationReason string
	Revocation       LedgerReceipt

	VerificationCount int64
	LastVerifiedAt    time.Time
}

// LedgerKey returns the identifier the credential is indexed under on the ledger.
func (c *Credential) LedgerKey() string {
	if c.KeyForm == KeyFormLegacyAddress && c.LegacyAddress != "" {
		return c.LegacyAddress
	}
	return c.SubjectKey
}

// AlternateLedgerKey returns the other key form, if the credential has one.
func (c *Credential) AlternateLedgerKey() string {
	if c.KeyForm == KeyFormLegacyAddress {
		return c.SubjectKey
	}
	return c.LegacyAddress
}

// CredentialSummary is the public-safe view returned to verifiers. It carries no internal ids.
type CredentialSummary struct {
	SubjectKey        string       `json:"subjectKey"`
	DocumentType      DocumentType `json:"documentType"`
	Fingerprint       string       `json:"fingerprint"`
	CID               string       `json:"cid"`
	DocumentURL       string       `json:"documentUrl,omitempty"`
	TxHash            string       `json:"txHash"`
	BlockNumber       uint64       `json:"blockNumber"`
	IssuedAt          int64        `json:"issuedAt"`
	VerificationCount int64        `json:"verificationCount"`
}
