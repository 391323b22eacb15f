// Package imagebot implements a Discord bot that generates images from
// text prompts using a hosted inference API.
//
// The bot answers slash commands, text commands, greetings and
// reactions. Its one long-running capability is /imagine:
//
//   - A loading notice is posted to the channel.
//   - The prompt is sent to the image backend (Hugging Face, Gemini or
//     an OpenAI-compatible images endpoint, selected by config).
//   - Cold-start responses (500, 503, or a "model is loading" body) are
//     retried with linear backoff: the wait before attempt n+1 is
//     BaseDelay*n, for at most MaxAttempts calls.
//   - The decoded image is posted as an attachment, or an error message
//     is posted instead, and the loading notice is removed.
//
// Key components:
//
//   - ImageBot: wires everything together; Run blocks until shutdown.
//   - ImageBackend: builds and sends one provider request.
//   - RetryController: the backoff loop around ImageBackend.
//   - Imaginer: the /imagine orchestrator and loading-notice lifecycle.
//   - Dispatcher: routes commands, messages and reactions.
//   - Discord: gateway session, command registration, Messenger.
//   - API: health, generation history and prometheus metrics over HTTP.
//
// Each generation is recorded as a GenerationRecord in sqlite or
// postgres. Generated images themselves are never stored.
package imagebot
