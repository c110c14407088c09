package protocol

import "encoding/json"

// Data channel envelope types.
const (
	DataMetadata = "metadata"
	DataChunk    = "chunk"
)

// ChunkSize is the payload size of a single data channel chunk.
const ChunkSize = 16 * 1024

// DataMessage is the envelope sent over the fileTransfer data channel.
// The first message of a stream is a metadata envelope, followed by one
// chunk envelope per slice in index order.
type DataMessage struct {
	Type string `json:"type"`

	// metadata
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`

	// chunk
	Index int    `json:"index"`
	Data  []byte `json:"data,omitempty"`
}

// EncodeData marshals a data channel envelope.
func EncodeData(msg DataMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeData unmarshals a data channel envelope.
func DecodeData(raw []byte) (DataMessage, error) {
	var msg DataMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

// TotalChunks returns the number of chunks needed for size bytes.
func TotalChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// SplitChunks slices data into ChunkSize pieces in order. The final piece
// holds the remainder.
func SplitChunks(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, TotalChunks(int64(len(data))))
	for start := 0; start < len(data); start += ChunkSize {
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}
