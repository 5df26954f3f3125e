// Command collectionrecorder records an audio input into files split at
// silence and post-processes each finished file.
//
//	collectionrecorder record -c configs/config.yaml
//	collectionrecorder process "recordings/Tune 3.wav"
//	collectionrecorder segments --status processed
package main
