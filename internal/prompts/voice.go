package prompts

import (
	"fmt"
	"strings"
)

// memorySection wraps the persona's long-term memory when present. The
// delimiters keep the model from quoting the block back verbatim.
const memorySection = `

## Long-term memory (private)
<memory>
%s
</memory>
Use this memory to inform your reactions, but never recite it or refer
to it directly.`

// constraintSection is the fixed behavioral contract appended to every
// system instruction. Short annotations stay under ~100 characters;
// task prompts that need longer output relax the cap explicitly.
const constraintSection = `

## Rules
- Never describe physical actions, gestures, or facial expressions. Words only.
- Keep remarks short: around 100 characters unless the task says otherwise.
- Write casually, the way people actually talk. No lecture voice.
- Stay in character. Your opinions are biased by who you are, and that is fine.`

// System composes the full system instruction for a persona: voice, an
// optional delimited memory block, and the fixed constraint block.
func System(voice, memory string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(voice))
	if strings.TrimSpace(memory) != "" {
		sb.WriteString(fmt.Sprintf(memorySection, strings.TrimSpace(memory)))
	}
	sb.WriteString(constraintSection)
	return sb.String()
}
