package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/evalbox/evalbox/internal/domain"
)

// Depth reports the backlog of a class topic: latest offset minus the
// consumer group's committed offset (or the earliest offset while the group
// has never committed). Work topics have one partition, so a single pair of
// offset queries answers it.
func (q *Queue) Depth(ctx domain.Context, class string) (int64, error) {
	topic := topicForClass(class)

	end, err := q.listOffset(ctx, topic, -1)
	if err != nil {
		return 0, fmt.Errorf("op=kafka.Depth: %w", err)
	}
	committed, err := q.committedOffset(ctx, q.groupID+"."+class, topic)
	if err != nil {
		return 0, fmt.Errorf("op=kafka.Depth: %w", err)
	}
	if committed < 0 {
		start, err := q.listOffset(ctx, topic, -2)
		if err != nil {
			return 0, fmt.Errorf("op=kafka.Depth: %w", err)
		}
		committed = start
	}
	depth := end - committed
	if depth < 0 {
		depth = 0
	}
	return depth, nil
}

// listOffset resolves partition 0's offset at a special timestamp
// (-1 latest, -2 earliest).
func (q *Queue) listOffset(ctx context.Context, topic string, timestamp int64) (int64, error) {
	req := kmsg.NewListOffsetsRequest()
	reqTopic := kmsg.NewListOffsetsRequestTopic()
	reqTopic.Topic = topic
	part := kmsg.NewListOffsetsRequestTopicPartition()
	part.Partition = 0
	part.Timestamp = timestamp
	reqTopic.Partitions = append(reqTopic.Partitions, part)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := q.admin.Request(ctx, &req)
	if err != nil {
		return 0, fmt.Errorf("list offsets: %w", err)
	}
	lo, ok := resp.(*kmsg.ListOffsetsResponse)
	if !ok {
		return 0, fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range lo.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition != 0 {
				continue
			}
			if p.ErrorCode != 0 {
				return 0, fmt.Errorf("list offsets for %s: error code %d", topic, p.ErrorCode)
			}
			return p.Offset, nil
		}
	}
	return 0, fmt.Errorf("list offsets: partition 0 of %s missing from response", topic)
}

// committedOffset fetches the group's committed offset for partition 0,
// returning -1 when the group has no commit yet. Brokers answer in one of
// two shapes depending on the negotiated protocol version.
func (q *Queue) committedOffset(ctx context.Context, group, topic string) (int64, error) {
	req := kmsg.NewOffsetFetchRequest()
	req.Group = group
	reqTopic := kmsg.NewOffsetFetchRequestTopic()
	reqTopic.Topic = topic
	reqTopic.Partitions = []int32{0}
	req.Topics = append(req.Topics, reqTopic)

	reqGroup := kmsg.NewOffsetFetchRequestGroup()
	reqGroup.Group = group
	groupTopic := kmsg.NewOffsetFetchRequestGroupTopic()
	groupTopic.Topic = topic
	groupTopic.Partitions = []int32{0}
	reqGroup.Topics = append(reqGroup.Topics, groupTopic)
	req.Groups = append(req.Groups, reqGroup)

	resp, err := q.admin.Request(ctx, &req)
	if err != nil {
		return 0, fmt.Errorf("offset fetch: %w", err)
	}
	of, ok := resp.(*kmsg.OffsetFetchResponse)
	if !ok {
		return 0, fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, g := range of.Groups {
		if g.Group != group {
			continue
		}
		for _, t := range g.Topics {
			if t.Topic != topic {
				continue
			}
			for _, p := range t.Partitions {
				if p.Partition == 0 {
					return p.Offset, nil
				}
			}
		}
	}
	for _, t := range of.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition == 0 {
				return p.Offset, nil
			}
		}
	}
	return -1, nil
}
