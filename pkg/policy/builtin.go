package policy

// builtinRules is the recognized policy set shipped with the kernel.
// Operators extend it via Evaluator.Register; a manifest naming anything
// outside the registered set is denied.
var builtinRules = map[string]string{
	// Envelope scopes must be a subset of the sender's granted scopes.
	"scope-match": `kind != "publish" || envelope.scopes.all(s, s in sender.scopes)`,

	// Traffic never crosses tenants: the destination agent (when resolved)
	// must belong to the sender's tenant.
	"tenant-isolation": `kind != "publish" || !has(receiver.tenant) || receiver.tenant == "" || sender.tenant == receiver.tenant`,

	// A revoked identity participates in nothing.
	"no-revoked-sender": `!has(sender.revoked) || !sender.revoked`,

	// Envelopes must not outlive a day.
	"ttl-bound": `kind != "publish" || int(envelope.headers["ttl_ms"]) <= 86400000`,

	// Payloads are capped at 1 MiB.
	"payload-size": `kind != "publish" || envelope.payload_size <= 1048576`,

	// Agents request a bounded permission set.
	"least-privilege": `kind != "admission" || size(manifest.permissions) <= 16`,
}
