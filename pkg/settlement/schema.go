package settlement

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Envelope schemas checked on artifact ingest, before any signature work.
// Structural rejects are cheap and carry a reason; signature verification
// only runs on well-formed envelopes.
var envelopeSchemas = map[Kind]string{
	KindAgreement: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["agreementId", "tenantId", "payer", "payee", "amountCents", "currency", "acceptanceCriteria"],
		"properties": {
			"agreementId": {"type": "string", "minLength": 1},
			"tenantId": {"type": "string", "minLength": 1},
			"payer": {"type": "string", "minLength": 1},
			"payee": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"settlementTerms": {
				"type": "object",
				"required": ["holdbackBps", "challengeWindowMs"],
				"properties": {
					"holdbackBps": {"type": "integer", "minimum": 0, "maximum": 10000},
					"challengeWindowMs": {"type": "integer", "minimum": 0}
				}
			}
		}
	}`,
	KindEvidence: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["evidenceId", "tenantId", "agreementId", "inputHash", "startedAt", "endedAt"],
		"properties": {
			"evidenceId": {"type": "string", "minLength": 1},
			"tenantId": {"type": "string", "minLength": 1},
			"agreementId": {"type": "string", "minLength": 1},
			"inputHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"outputHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"outputBytes": {"type": "integer", "minimum": 0}
		}
	}`,
	KindReceipt: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["v", "receiptId", "tenantId", "agreementId", "agreementHash", "decisionId", "outcome", "transfer", "settledAt"],
		"properties": {
			"v": {"const": 2},
			"outcome": {"enum": ["paid", "not_paid", "expired", "reversed"]},
			"agreementHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"transfer": {
				"type": "object",
				"required": ["amountCents", "currency", "payee"],
				"properties": {"amountCents": {"type": "integer", "minimum": 0}}
			},
			"retention": {
				"type": "object",
				"required": ["heldAmountCents", "challengeUntil"],
				"properties": {"heldAmountCents": {"type": "integer", "minimum": 1}}
			}
		}
	}`,
}

var compiledSchemas = func() map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(envelopeSchemas))
	for kind, src := range envelopeSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "keel://settlement/" + string(kind) + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("settlement: bad embedded schema for %s: %v", kind, err))
		}
		out[kind] = c.MustCompile(url)
	}
	return out
}()

// ValidateEnvelope checks raw artifact JSON against the schema for its
// kind. Kinds without an ingest schema pass.
func ValidateEnvelope(kind Kind, raw []byte) error {
	schema, ok := compiledSchemas[kind]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("settlement: %s envelope is not valid JSON: %w", kind, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("settlement: %s envelope rejected: %w", kind, err)
	}
	return nil
}
