// Package memory implements the context memory collaborator of the run
// engine: a vector store of past run summaries that is searched for
// relevance-scored snippets before planning and written to after a clean
// completion.
//
// Two stores are available. ChromemStore embeds chromem-go and is the
// default; an empty path keeps it in memory. QdrantStore talks to a Qdrant
// server over gRPC. Both embed text through an EmbeddingFunc, either the
// deterministic hashing embedder or an Ollama model.
package memory
