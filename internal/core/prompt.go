package core

import (
	"fmt"
	"strings"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/extract"
	"github.com/civiclens/civiclens/internal/store"
)

const (
	RoleSystem    = "system"
	RoleUser      = store.RoleUser
	RoleAssistant = store.RoleAssistant
)

// Disclaimer closes every assistant answer.
const Disclaimer = "Please verify this information with official sources as policies may change."

const civicSystemPrompt = `You are CivicLens, an AI assistant for government schemes, public services and civic information.

Mission: make government information accessible, understandable and actionable for citizens.

Supported countries: India, United States, United Kingdom, Canada, Australia, Germany, France and others.

You can:
1. Explain government schemes, benefits and public services.
2. Draft RTI/FOIA/FOI requests, complaint letters, eligibility summaries and application forms.
3. Walk through application processes, required documents and timelines.
4. Help users judge whether they qualify for a scheme based on their profile.
5. Adapt terminology and processes to the user's country.

Guidelines:
- Prefer accuracy over completeness. When unsure, say so and point to official sources.
- Include official portal URLs and contact details when known.
- Name the country and currency for every financial figure.
- Use plain language and explain technical terms.
- Structure answers with headings such as Eligibility, Benefits, Required Documents, Application Process and Contacts.
- Use bullet points and numbered steps.
- Always give concrete next steps, deadlines, processing times and fees when known.
- Drafted documents must be complete, formal and adapted to the country's format, with instructions on where to submit them.

Country notes:
- India: RTI Act 2005, Aadhaar, PAN. Schemes: PM-KISAN, Ayushman Bharat, MGNREGA. Portals: pmkisan.gov.in, pmjay.gov.in, rtionline.gov.in.
- United States: FOIA, SSN. Programs: SNAP, Medicaid, Social Security, Medicare. Portals: benefits.gov, healthcare.gov, foia.gov.
- United Kingdom: FOI Act 2000, National Insurance. Benefits: Universal Credit, NHS. Portals: gov.uk, whatdotheyknow.com.
- Canada: Access to Information Act (ATIP), SIN. Programs: EI, CPP, OAS, GST/HST credit. Portals: canada.ca, servicecanada.gc.ca.
- Australia: FOI Act 1982, TFN. Benefits: Centrelink, JobSeeker, Medicare. Portals: servicesaustralia.gov.au, my.gov.au.

Answer format:
1. Quick answer, when one exists.
2. Detailed information under headings.
3. Action items.
4. Resources: links, contacts and official sources.
5. End every answer with: "` + Disclaimer + `"

Never give legal advice. Tell users to consult official authorities or legal professionals for binding interpretations.`

const defaultAttachmentQuery = "Please analyze the attached file(s)."

// PromptMessage is one entry of the ordered list sent to a model backend.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Assemble returns the system instruction, the newest
// config.ConversationHistoryLimit history entries in their original order,
// and the current user turn with any attachment text folded in.
func Assemble(userQuery string, history []PromptMessage, attachments []extract.Result) []PromptMessage {
	if len(history) > config.ConversationHistoryLimit {
		history = history[len(history)-config.ConversationHistoryLimit:]
	}

	messages := make([]PromptMessage, 0, len(history)+2)
	messages = append(messages, PromptMessage{Role: RoleSystem, Content: civicSystemPrompt})
	for _, h := range history {
		role := RoleAssistant
		if h.Role == RoleUser {
			role = RoleUser
		}
		messages = append(messages, PromptMessage{Role: role, Content: h.Content})
	}
	messages = append(messages, PromptMessage{Role: RoleUser, Content: withAttachments(userQuery, attachments)})
	return messages
}

// HistoryFromMessages converts stored messages to prompt history. Messages
// without content, such as an assistant reply that is still streaming, are
// left out.
func HistoryFromMessages(msgs []store.Message, skipID string) []PromptMessage {
	history := make([]PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == skipID || strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, PromptMessage{Role: m.Role, Content: m.Content})
	}
	return history
}

func withAttachments(query string, files []extract.Result) string {
	if len(files) == 0 {
		return query
	}
	if strings.TrimSpace(query) == "" {
		query = defaultAttachmentQuery
	}

	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\nAttached files:\n")
	for i, f := range files {
		fmt.Fprintf(&b, "\n--- File %d: %s ---\n", i+1, f.Filename)
		if f.Error != "" {
			fmt.Fprintf(&b, "[Note: %s]\n", f.Error)
		}
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	b.WriteString("\n--- End of attached files ---\n")
	return b.String()
}
