package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/civiclens/civiclens/internal/config"
)

// Categories is the fixed classification taxonomy.
var Categories = []string{
	"scheme_inquiry",
	"eligibility_check",
	"document_guidance",
	"application_process",
	"grievance_complaint",
	"rti_request",
	"country_specific",
	"general_info",
	"other",
}

const (
	categoryFallback = "general_info"
	categoryUnknown  = "other"
)

const classificationPrompt = `Classify the following civic query into one of these categories:
- scheme_inquiry: Questions about government schemes, benefits, or programs
- eligibility_check: Questions about eligibility for a scheme or service
- document_guidance: Questions about required documents or paperwork
- application_process: Questions about how to apply or the application process
- grievance_complaint: Questions about filing complaints or grievances
- rti_request: Questions about Right to Information (RTI/FOIA/FOI) requests
- country_specific: Questions that need country identification
- general_info: General questions about public services or civic information
- other: Anything else

Query: "{query}"

Respond with ONLY the category name, nothing else.`

const extractionPrompt = `Extract structured information from this civic query. Return a JSON object with:
- entities: Array of mentioned entities (schemes, offices, documents, locations)
- intent: The main intent (scheme_inquiry, eligibility_check, document_guidance, etc.)
- key_points: Array of key points or requirements mentioned
- suggested_actions: Array of suggested next actions

Query: "{query}"

Return ONLY valid JSON, no other text.`

// DocumentTemplates maps a document type to its drafting prompt. Placeholders
// in braces are filled from the caller's parameters.
var DocumentTemplates = map[string]string{
	"rti": `Draft a Right to Information request (RTI/FOIA/FOI) based on the following details:
- Country: {country}
- Subject: {subject}
- Information requested: {information}
- Public authority: {authority}
- Applicant details: {applicant}

Format it as a formal application letter appropriate for the country specified. Use the correct terminology:
- India: RTI (Right to Information Act 2005)
- USA: FOIA (Freedom of Information Act)
- UK: FOI (Freedom of Information Act 2000)
- Canada: ATIP (Access to Information Act)
- Australia: FOI (Freedom of Information Act 1982)`,

	"complaint": `Draft a complaint letter based on the following details:
- Country: {country}
- Issue: {issue}
- Description: {description}
- Office/Department: {office}
- Expected resolution: {resolution}
- Complainant details: {complainant}

Format it as a formal complaint letter appropriate for the country's administrative style.`,

	"eligibility_summary": `Create an eligibility summary document for:
- Country: {country}
- Scheme: {scheme}
- User profile: {profile}
- Eligibility status: {status}
- Required documents: {documents}
- Next steps: {steps}

Format it as a clear, structured summary document with country-specific details and currency.`,
}

const queryFallbackSystemPrompt = "You are a helpful assistant specialized in civic queries and government schemes across multiple countries (India, USA, UK, Canada, Australia). " +
	"Provide accurate, detailed information about government programs, eligibility criteria, application processes, and required documents."

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// AIService backs the auxiliary AI endpoints.
type AIService struct {
	primary   Backend
	gateway   *Gateway
	secondary *SecondaryBackend
	params    config.AIParams
}

// NewAIService wires the auxiliary endpoints. secondary may be nil.
func NewAIService(primary Backend, gw *Gateway, secondary *SecondaryBackend, params config.AIParams) *AIService {
	return &AIService{primary: primary, gateway: gw, secondary: secondary, params: params}
}

func (s *AIService) ask(ctx context.Context, purpose config.Purpose, system, prompt string) (string, error) {
	return s.primary.Complete(ctx, CompletionRequest{
		Messages: []PromptMessage{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: prompt},
		},
		Params: s.params.For(purpose),
	})
}

// Classify maps a query onto Categories. It does not fail on model errors.
func (s *AIService) Classify(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", invalid("Query is required")
	}
	answer, err := s.ask(ctx, config.PurposeClassification,
		"You are a query classification assistant. Respond with only the category name.",
		strings.Replace(classificationPrompt, "{query}", query, 1))
	if err != nil {
		slog.Error("classification failed", "error", err)
		return categoryFallback, nil
	}
	return normalizeCategory(answer), nil
}

func normalizeCategory(answer string) string {
	label := strings.ToLower(strings.TrimSpace(answer))
	label = strings.Trim(label, "\"'`.")
	for _, c := range Categories {
		if label == c {
			return c
		}
	}
	return categoryUnknown
}

type Extraction struct {
	Entities         []string `json:"entities"`
	Intent           string   `json:"intent"`
	KeyPoints        []string `json:"key_points"`
	SuggestedActions []string `json:"suggested_actions"`
}

func emptyExtraction() *Extraction {
	return &Extraction{
		Entities:         []string{},
		Intent:           categoryFallback,
		KeyPoints:        []string{},
		SuggestedActions: []string{},
	}
}

// Extract pulls entities, intent and suggested actions out of a query. Model
// or parse failures return an empty extraction.
func (s *AIService) Extract(ctx context.Context, query string) (*Extraction, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalid("Query is required")
	}
	answer, err := s.ask(ctx, config.PurposeExtraction,
		"You are an entity extraction assistant. Return only valid JSON.",
		strings.Replace(extractionPrompt, "{query}", query, 1))
	if err != nil {
		slog.Error("extraction failed", "error", err)
		return emptyExtraction(), nil
	}
	out, err := parseExtraction(answer)
	if err != nil {
		slog.Warn("extraction answer not usable", "error", err)
		return emptyExtraction(), nil
	}
	return out, nil
}

func parseExtraction(answer string) (*Extraction, error) {
	raw := jsonObject.FindString(answer)
	if raw == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}
	var out Extraction
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out.Entities == nil {
		out.Entities = []string{}
	}
	if out.KeyPoints == nil {
		out.KeyPoints = []string{}
	}
	if out.SuggestedActions == nil {
		out.SuggestedActions = []string{}
	}
	if out.Intent == "" {
		out.Intent = categoryFallback
	}
	return &out, nil
}

// GenerateDocument drafts one of DocumentTemplates from params.
func (s *AIService) GenerateDocument(ctx context.Context, docType string, params map[string]string) (string, error) {
	template, ok := DocumentTemplates[docType]
	if !ok {
		return "", invalid("Invalid document type")
	}
	if params == nil {
		return "", invalid("Params are required")
	}
	prompt := template
	for k, v := range params {
		prompt = strings.ReplaceAll(prompt, "{"+k+"}", v)
	}

	doc, err := s.ask(ctx, config.PurposeDocument,
		"You are a document drafting assistant. Create well-formatted, professional documents.", prompt)
	if err != nil {
		return "", fmt.Errorf("%w: document generation: %v", ErrUpstreamUnavailable, err)
	}
	return doc, nil
}

type QueryRequest struct {
	Query               string          `json:"query"`
	ConversationHistory []PromptMessage `json:"conversationHistory,omitempty"`
	UseFineTuned        bool            `json:"useFineTuned,omitempty"`
}

type QueryResponse struct {
	Success   bool      `json:"success"`
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// Query answers a one-off question, preferring the secondary model when asked
// to or when it is enabled.
func (s *AIService) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, invalid("Query is required")
	}
	messages := []PromptMessage{{Role: RoleSystem, Content: queryFallbackSystemPrompt}}
	for _, h := range req.ConversationHistory {
		if h.Role != RoleUser && h.Role != RoleAssistant {
			continue
		}
		messages = append(messages, h)
	}
	messages = append(messages, PromptMessage{Role: RoleUser, Content: req.Query})

	text, model, err := s.gateway.Complete(ctx, CompletionRequest{
		Messages: messages,
		Params:   s.params.For(config.PurposeChat),
	}, req.UseFineTuned)
	if err != nil {
		return nil, err
	}
	return &QueryResponse{Success: true, Response: text, Model: model, Timestamp: time.Now().UTC()}, nil
}

func (s *AIService) ModelStatus(ctx context.Context) SecondaryStatus {
	if s.secondary == nil {
		return SecondaryStatus{Error: "secondary model not configured"}
	}
	return s.secondary.Status(ctx)
}
