package agent

import "strings"

// DefaultSystemPrompt is used when no prompt is configured. {address} is
// replaced with the thread's wallet address.
const DefaultSystemPrompt = `You are an on-chain assistant for the SEI network working on behalf of the wallet {address}.
You can read balances, quote swaps and prepare transactions with the tools available to you.
You never sign or broadcast anything yourself: every transaction you prepare is returned to the
user's wallet, which executes it and reports whether it completed or was aborted.
When a tool returns a transaction, summarise what it will do in one or two sentences.
Never invent addresses, amounts or transaction hashes.`

// SystemPrompt renders tpl for address, falling back to DefaultSystemPrompt.
func SystemPrompt(tpl, address string) string {
	if strings.TrimSpace(tpl) == "" {
		tpl = DefaultSystemPrompt
	}
	return strings.ReplaceAll(tpl, "{address}", address)
}
