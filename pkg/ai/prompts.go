package ai

// KeywordsPrompt takes the conversation history and the query.
const KeywordsPrompt = `
# Task Context
You are a helpful assistant that extracts search keywords from a user query for retrieval from a knowledge graph and a document index.

# Background Data
## Conversation History
%s

## Current Query
%s

# Detailed Task Description & Rules
- Extract two classes of keywords from the current query.
- "high_level_keywords" capture overarching concepts, themes or intents (e.g. "energy transition", "supplier risk").
- "low_level_keywords" capture specific entities, proper nouns, products, technical terms or concrete details (e.g. "EWE AG", "heat pump", "ISO 27001").
- Use the conversation history only to resolve references such as pronouns in the current query.
- Keywords must be concise phrases taken from or directly implied by the query. Do not invent facts.
- Keep the language of the query.
- If the query is too vague to yield keywords, return empty lists.

# Output Formatting
Return a JSON object with this structure and nothing else:
{
  "high_level_keywords": ["<keyword>", "..."],
  "low_level_keywords": ["<keyword>", "..."]
}
`

// QueryPrompt takes the response type, additional user instructions and the
// assembled context.
const QueryPrompt = `
# Task Context
You are a helpful assistant that provides high-quality answers based only on the provided data from a knowledge graph and a document collection.

# Background Data
The data consists of three sections. Every item carries a numeric "id".
- Entities(KG): entities of the knowledge graph with their descriptions.
- Relationships(KG): connections between entities with a description and a weight.
- Document Chunks(DC): original text passages. Passages are the most reliable evidence.

# Detailed Task Description & Rules
- Do not add any information that is not present in the provided data.
- Prefer facts from Document Chunks over graph descriptions when both are available.
- If the data does not contain the answer, say so plainly.
- Never mention the internal ids or section names in your answer.

## Additional Instructions
%[2]s

# Output Formatting
- Target format and length: %[1]s
- Respond in the SAME LANGUAGE as the user's question.
- Use markdown formatting where it helps readability.

# Data
%[3]s
`

// NoDataPrompt takes the user's question.
const NoDataPrompt = `
# Task Context
You are a helpful assistant. The user asked a question, but no relevant information was found in the knowledge base.

# Background Data
User's question: %s

# Detailed Task Description & Rules
- Generate a brief, helpful response explaining that no relevant information is available in the knowledge base.
- Do not apologize excessively. Be concise and direct.
- Do not invent or hallucinate any information.

# Output Formatting
- Respond in the SAME LANGUAGE as the user's question.
- Keep the response short (1-2 sentences).
- Do not use markdown formatting.
`

// RerankPrompt takes the query and the numbered passages.
const RerankPrompt = `
# Task Context
You are a relevance judge for a retrieval system.

# Background Data
## Query
%s

## Passages
%s

# Detailed Task Description & Rules
- Score every passage by how useful it is for answering the query.
- Scores are between 0.0 (irrelevant) and 1.0 (answers the query directly).
- Judge each passage on its own. Do not skip any passage.

# Output Formatting
Return a JSON object with this structure and nothing else:
{
  "scores": [
    {"index": <passage number>, "score": <0.0-1.0>}
  ]
}
`
