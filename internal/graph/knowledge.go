package graph

// trackKnowledge registers t's produced and required data tags and
// synthesizes knowledge dependencies on already-known producers.
// Producers are not applied retroactively to earlier consumers.
func (e *Engine) trackKnowledge(t *Task) {
	for _, tag := range t.Produces {
		entry := e.knowledgeEntry(tag)
		if entry.Producer != "" && entry.Producer != t.ID {
			// Last writer wins; multiple producers are ambiguous.
			e.logger.Warn("knowledge tag has multiple producers, replacing",
				"tag", tag, "previous", entry.Producer, "producer", t.ID)
		}
		entry.Producer = t.ID
	}

	for _, tag := range t.Requires {
		entry := e.knowledgeEntry(tag)
		entry.Consumers = appendUnique(entry.Consumers, t.ID)

		producer := entry.Producer
		if producer == "" || producer == t.ID || t.hasDependency(producer) {
			continue
		}
		t.Dependencies = append(t.Dependencies, Dependency{
			ID:     producer,
			Type:   DepKnowledge,
			Weight: knowledgeWeight,
		})
		e.addDependent(producer, t.ID)
	}
}

func (e *Engine) knowledgeEntry(tag string) *KnowledgeEntry {
	entry, ok := e.knowledge[tag]
	if !ok {
		entry = &KnowledgeEntry{}
		e.knowledge[tag] = entry
	}
	return entry
}

// Knowledge returns the producer/consumer entry for a data tag.
func (e *Engine) Knowledge(tag string) (KnowledgeEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.knowledge[tag]
	if !ok {
		return KnowledgeEntry{}, false
	}
	return KnowledgeEntry{
		Producer:  entry.Producer,
		Consumers: append([]string(nil), entry.Consumers...),
	}, true
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
