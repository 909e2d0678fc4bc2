// Package namespace builds the topic and key paths used by the broker
// mirrors (MQTT, Valkey, Kafka) with a common namespace prefix.
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder. selector is optional.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTDataTopic returns the topic for a data change batch: {ns}[/{sel}]/{partner}/data
func (b *Builder) MQTTDataTopic(partner string) string {
	return b.mqttBase() + "/" + partner + "/data"
}

// MQTTTagTopic returns the topic for a single tag value: {ns}[/{sel}]/{partner}/tags/{tag}
func (b *Builder) MQTTTagTopic(partner, tag string) string {
	return b.mqttBase() + "/" + partner + "/tags/" + tag
}

// MQTTHealthTopic returns the topic for heartbeats: {ns}[/{sel}]/{partner}/health
func (b *Builder) MQTTHealthTopic(partner string) string {
	return b.mqttBase() + "/" + partner + "/health"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyDataKey returns the hash key holding the latest tag values: {ns}[:{sel}]:{partner}:data
func (b *Builder) ValkeyDataKey(partner string) string {
	return b.valkeyBase() + ":" + partner + ":data"
}

// ValkeyHealthKey returns the key for the last heartbeat: {ns}[:{sel}]:{partner}:health
func (b *Builder) ValkeyHealthKey(partner string) string {
	return b.valkeyBase() + ":" + partner + ":health"
}

// ValkeyChangesChannel returns the channel for one partner's changes: {ns}[:{sel}]:{partner}:changes
func (b *Builder) ValkeyChangesChannel(partner string) string {
	return b.valkeyBase() + ":" + partner + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaDataTopic returns the topic for data change batches: {ns}[-{sel}]
// The partner ID is used as the message key for partitioning.
func (b *Builder) KafkaDataTopic() string {
	return b.kafkaBase()
}

// KafkaHealthTopic returns the topic for heartbeats: {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.kafkaBase() + ".health"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
