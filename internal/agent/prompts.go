package agent

import "strings"

const SystemPrompt = "You are a personal assistant called Jarvis. Be direct, helpful and safe. " +
	"Clarity and efficiency are your main guidelines. Use the available tools when needed.\n\n" +
	"IMPORTANT BEHAVIOUR RULES:\n" +
	"1. DO NOT GUESS: if a command is ambiguous, incomplete or lacks information a tool needs, " +
	"ask for clarification first. Never invent tool parameters.\n" +
	"2. ASK CLEAR QUESTIONS: clarification questions are short and direct, listing the options when possible.\n\n" +
	"EXAMPLES:\n" +
	"- User: 'Remind me to call the doctor.' You: 'Sure. When should I set the reminder?'\n" +
	"- User: 'Open the project.' (several projects exist) You: 'Which project would you like to open?'\n" +
	"- User: 'Send a message to Maria.' You: 'Got it. What would you like to say to Maria?'"

// ApologyReply is spoken when the agent fails so the client still gets audio.
const ApologyReply = "Sorry, I ran into a problem processing your request."

// WorkingFeedback is spoken while a slow tool runs.
const WorkingFeedback = "Just a moment, I'm looking that up for you."

const factsHeader = "Known facts about the user:"

// NoFactsReply is the summarizer answer meaning nothing worth remembering.
const NoFactsReply = "No relevant facts found."

const summarizePrompt = `Analyse the following conversation between a user and the assistant Jarvis.
Extract key facts and preferences about the user as a bulleted list.
Focus on information that helps personalise future interactions.
Leave out trivial or one-off details.
If no relevant fact or preference is found, answer "` + NoFactsReply + `".

Example output:
- The user's name is Igor.
- The user works on the Jarvis Mark II project.
- Prefers short and direct answers.

CONVERSATION:
{conversation}

EXTRACTED FACTS AND PREFERENCES:
`

const graphPrompt = `From the text below, extract the entities (people, organisations, places, projects, etc.) and the relationships between them.
Return JSON with two keys: "entities" and "relationships".
"entities" is a list of objects with "name" and "type".
"relationships" is a list of objects with "source", "target" and "type".

Text: "{text}"

JSON:
`

// BuildSystemPrompt appends known user facts to the base prompt.
func BuildSystemPrompt(facts []string) string {
	var lines []string
	for _, f := range facts {
		if f = strings.TrimSpace(f); f != "" {
			lines = append(lines, "- "+f)
		}
	}
	if len(lines) == 0 {
		return SystemPrompt
	}
	return SystemPrompt + "\n\n" + factsHeader + "\n" + strings.Join(lines, "\n")
}

// SummarizePrompt renders the fact extraction prompt for a transcript.
func SummarizePrompt(conversation string) string {
	return strings.Replace(summarizePrompt, "{conversation}", conversation, 1)
}

// GraphPrompt renders the entity and relationship extraction prompt.
func GraphPrompt(text string) string {
	return strings.Replace(graphPrompt, "{text}", text, 1)
}
