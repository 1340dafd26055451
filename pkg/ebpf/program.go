package ebpf

import (
	"github.com/cilium/ebpf/asm"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
)

// struct xdp_md field offsets
const (
	xdpMdData         = 0
	xdpMdDataEnd      = 4
	xdpMdRxQueueIndex = 16
)

// Frame offsets the program reads, relative to the start of the frame.
const (
	offEtherType  = 12
	offIPv4VerIHL = classifier.EthernetMinimumSize
	offIPv4Proto  = classifier.EthernetMinimumSize + 9
	endIPv4Header = classifier.EthernetMinimumSize + classifier.IPv4MinimumSize
)

const (
	labelParse   = "parse"
	labelPass    = "pass"
	labelAborted = "aborted"
)

// Instructions assembles the classifier as an XDP program redirecting into
// the XSKMAP with descriptor xskMapFD. The tree matches classifier.Classify:
// DROP is returned as XDP_ABORTED and FAST_PATH is whatever
// bpf_redirect_map reports.
func Instructions(xskMapFD int, mode classifier.ListenerCheck) asm.Instructions {
	insns := asm.Instructions{
		// r6 = ctx, r7 = ctx->rx_queue_index
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R7, asm.R6, xdpMdRxQueueIndex, asm.Word),

		// bpf_map_lookup_elem(&xsks_map, &queue)
		asm.StoreMem(asm.RFP, -4, asm.R7, asm.Word),
		asm.LoadMapPtr(asm.R1, xskMapFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JNE.Imm(asm.R0, 0, labelParse),
	}

	if mode == classifier.ListenerCheckCorrected {
		insns = append(insns,
			asm.Mov.Imm(asm.R0, int32(classifier.XDPPass)),
			asm.Return(),
		)
	} else {
		insns = append(insns, redirect(xskMapFD)...)
	}

	insns = append(insns,
		// r2 = data, r3 = data_end
		asm.LoadMem(asm.R2, asm.R6, xdpMdData, asm.Word).WithSymbol(labelParse),
		asm.LoadMem(asm.R3, asm.R6, xdpMdDataEnd, asm.Word),

		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, classifier.EthernetMinimumSize),
		asm.JGT.Reg(asm.R4, asm.R3, labelAborted),

		// EtherType, assembled big-endian a byte at a time
		asm.LoadMem(asm.R5, asm.R2, offEtherType, asm.Byte),
		asm.LSh.Imm(asm.R5, 8),
		asm.LoadMem(asm.R4, asm.R2, offEtherType+1, asm.Byte),
		asm.Or.Reg(asm.R5, asm.R4),
		asm.JNE.Imm(asm.R5, int32(classifier.EtherTypeIPv4), labelPass),

		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, endIPv4Header),
		asm.JGT.Reg(asm.R4, asm.R3, labelAborted),

		asm.LoadMem(asm.R5, asm.R2, offIPv4VerIHL, asm.Byte),
		asm.And.Imm(asm.R5, 0x0f),
		asm.JNE.Imm(asm.R5, classifier.IPv4MinimumIHL, labelPass),

		asm.LoadMem(asm.R5, asm.R2, offIPv4Proto, asm.Byte),
		asm.JNE.Imm(asm.R5, int32(classifier.ProtocolICMP), labelPass),
	)
	insns = append(insns, redirect(xskMapFD)...)

	return append(insns,
		asm.Mov.Imm(asm.R0, int32(classifier.XDPPass)).WithSymbol(labelPass),
		asm.Return(),
		asm.Mov.Imm(asm.R0, int32(classifier.XDPAborted)).WithSymbol(labelAborted),
		asm.Return(),
	)
}

// redirect returns bpf_redirect_map(&xsks_map, queue, 0).
func redirect(xskMapFD int) asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, xskMapFD),
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}
