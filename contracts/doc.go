// Package contracts defines the message envelope that travels through the
// delay-queue pipeline and its JSON wire format.
//
// Every message published by delayq is wrapped in an Envelope:
//
//	{"messageId": "...", "retryCount": 0, "content": <producer payload>}
//
// The messageId is generated once at first publish and stays stable across
// every retry; retryCount grows by exactly one per failed delivery; content is
// never touched by the engine.
package contracts
