package llm

// systemPrompt pins the model to the strict JSON contract the reply parser
// expects. Mirrors the dashboard's operating language: replies to the user are
// Japanese, the envelope is JSON.
const systemPrompt = "You are an assistant that manages IoT devices for the user. " +
	"Always respond with a strict JSON object containing the keys " +
	"'reply' and 'device_commands'. The 'reply' field is a natural " +
	"language response to the user in Japanese. The 'device_commands' " +
	"field must be either null or a list of objects, each with the keys " +
	"'device_id', 'name', and 'args'. Do not wrap the JSON inside code " +
	"fences. If no device action is required, set 'device_commands' to " +
	"null. Only use device IDs and capability names provided in the " +
	"context. For agent devices, set 'name' to the agent instruction " +
	"capability and put the instruction text in args.instruction."

// BuildChatMessages assembles the full prompt for one chat turn: the fixed
// system instruction, a second system message carrying the live device
// context, then the conversation history.
func BuildChatMessages(deviceContext string, history []Message) []Message {
	context := "No devices are currently registered."
	if deviceContext != "" {
		context = "Available device information:\n" + deviceContext
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages,
		Message{Role: "system", Content: systemPrompt},
		Message{Role: "system", Content: context},
	)
	return append(messages, history...)
}
