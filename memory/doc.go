// Package memory distills conversations into long-term, searchable memories.
//
// Architecture:
//   - Embedder: text-to-vector conversion (see memory/embedder for the LRU
//     cache and the genai, ollama and mock providers)
//   - Consolidator: summarizes the owner's most recently updated
//     conversation with the LLM and stores the result as a Memory
//
// Memories are retrieved by the chat assembler through vector search and
// injected into the system prompt as "- title: summary" lines.
package memory
