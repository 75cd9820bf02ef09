package summary

const quickSystemPrompt = `You are given a handful of excerpts from a person's past conversations with an assistant.
Write a short first impression of who they are: what they work on, what they care about and how they like to be helped.
Write 4 to 6 sentences in the third person. Do not invent details that are not supported by the excerpts.`

const digestSystemPrompt = `You are given every durable fact extracted from a person's conversation history, grouped by category.
Write a memory digest an assistant can read before talking to them: a dense, well organized summary in the third person.
Keep concrete names, dates and decisions. Drop trivia and repetition.`

// sectionPrompts describe the known profile sections. Unknown names get a generic prompt.
var sectionPrompts = map[string]string{
	"identity":            "who the person is: role, background, location and life situation",
	"interests":           "topics, hobbies and fields the person keeps returning to",
	"communication_style": "how the person writes and how they prefer answers to be shaped",
	"goals":               "what the person is trying to achieve, near term and long term",
	"relationships":       "people, teams and organizations that matter to the person",
}

const sectionSystemPrompt = `You write one section of a person's profile from their memory digest and a few conversation excerpts.
The section covers %s.
Write plain prose in the third person, at most %d tokens. If the material says nothing about this section, reply with an empty string.`
