package enrichment

import (
	"encoding/json"
	"fmt"

	"research-orchestrator/internal/models"
)

const responseContract = "Respond with a single JSON object and nothing else."

var instructions = map[models.JobKind]string{
	models.KindResearch: `You are a B2B sales researcher. Given an account record, summarize what the company does,
its likely buying signals and the people a seller should reach out to.
Return {"summary": string, "signals": [string], "suggested_contacts": [string]}.`,

	models.KindCategorization: `You classify companies into an industry category for sales territory planning.
Return {"category": string, "confidence": number between 0 and 1, "rationale": string}.`,

	models.KindPreprocessing: `You clean raw account records before research. Normalize the company name, infer the
primary web domain and flag obvious duplicates or junk rows.
Return {"name": string, "domain": string, "is_junk": boolean, "notes": string}.`,

	models.KindEmployeeCount: `You estimate company headcount from what is publicly known about the company.
Return {"employee_count": integer, "range": string, "source_hint": string}.`,

	models.KindTriage: `You triage accounts for outbound prospecting. Score how good a fit the account is.
Return {"score": integer from 0 to 100, "tier": "A"|"B"|"C", "reason": string}.`,

	models.KindProspectProcessing: `You process an imported prospect row. Normalize the person's name and title, guess
seniority and department, and link them to their company.
Return {"full_name": string, "title": string, "seniority": string, "department": string, "company": string}.`,
}

// Instruction returns the system instruction for kind
func Instruction(kind models.JobKind) string {
	text, ok := instructions[kind]
	if !ok {
		return responseContract
	}
	return text + "\n" + responseContract
}

// Prompt renders the user message for one item
func Prompt(kind models.JobKind, payload json.RawMessage) string {
	return fmt.Sprintf("Task: %s\nRecord:\n%s", kind, string(payload))
}
