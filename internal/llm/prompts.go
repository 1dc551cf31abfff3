package llm

// injectedContextPrompt precedes externally-obtained context so the
// model treats it as authoritative.
const injectedContextPrompt = "IMPORTANT: The following data was obtained for the user's query. " +
	"You MUST use it to provide an accurate answer. " +
	"Cite sources with URLs where appropriate.\n\n"

// shouldSearchPrompt constrains the intent classifier to a literal
// YES or NO.
const shouldSearchPrompt = "You decide if a web search is needed to answer the user's message. " +
	"If the message asks about current events, real-time data, recent news, " +
	"specific facts you might not know, prices, weather, or anything that " +
	"requires up-to-date information — respond with ONLY the word YES. " +
	"If no search is needed (general chat, coding, math, creative tasks) — respond with ONLY the word NO. " +
	"Never explain, just output YES or NO."

const defaultVisionCaption = "What do you see in this image?"

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
