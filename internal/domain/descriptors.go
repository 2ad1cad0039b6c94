package domain

import "github.com/cuemby/sink/internal/domain/mailindex"

// builtinDescriptors returns the ten SPEC_FULL.md §4.3.1 type descriptors,
// grounded on original_source/common/domain/{mail,folder,contact,
// addressbook}.cpp and typeimplementations.cpp.
func builtinDescriptors() []TypeDescriptor {
	return []TypeDescriptor{
		mailDescriptor(),
		folderDescriptor(),
		contactDescriptor(),
		addressbookDescriptor(),
		eventDescriptor(),
		todoDescriptor(),
		calendarDescriptor(),
		sinkResourceDescriptor(),
		sinkAccountDescriptor(),
		identityDescriptor(),
	}
}

func mailDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Mail,
		Properties: []PropertyDescriptor{
			{Name: "subject", Kind: KindString},
			{Name: "sender", Kind: KindString},
			{Name: "to", Kind: KindByteList},
			{Name: "cc", Kind: KindByteList},
			{Name: "bcc", Kind: KindByteList},
			{Name: "date", Kind: KindTime},
			{Name: "messageId", Kind: KindString},
			{Name: "parentMessageId", Kind: KindString},
			{Name: "unread", Kind: KindBool},
			{Name: "important", Kind: KindBool},
			{Name: "folder", Kind: KindBytes},
			{Name: "threadId", Kind: KindBytes},
			{Name: "draft", Kind: KindBool},
			{Name: "sent", Kind: KindBool},
			{Name: "trash", Kind: KindBool},
			{Name: "mimeMessage", Kind: KindBytes, IsResource: true},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "messageId"},
			{Kind: ValueIndex, Property: "unread"},
			{Kind: ValueIndex, Property: "folder"},
			{Kind: ValueIndex, Property: "threadId"},
		},
		SortedIndexes: []IndexDescriptor{
			{Kind: SortedIndex, Property: "folder", SortProperty: "date"},
		},
		SecondaryIndexes: []IndexDescriptor{
			{Kind: SecondaryIndex, Property: "folder", ReferencedType: Folder},
		},
		CustomIndexers: []CustomIndexer{
			mailindex.NewThreadIndexer(),
			mailindex.NewFulltextIndexer(),
		},
	}
}

func folderDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Folder,
		Properties: []PropertyDescriptor{
			{Name: "name", Kind: KindString},
			{Name: "parent", Kind: KindBytes},
			{Name: "specialPurpose", Kind: KindString},
			{Name: "enabled", Kind: KindBool},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "parent"},
			{Kind: ValueIndex, Property: "specialPurpose"},
		},
		SecondaryIndexes: []IndexDescriptor{
			{Kind: SecondaryIndex, Property: "parent", ReferencedType: Folder},
		},
	}
}

func contactDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Contact,
		Properties: []PropertyDescriptor{
			{Name: "fn", Kind: KindString},
			{Name: "emails", Kind: KindByteList},
			{Name: "addressbook", Kind: KindBytes},
			{Name: "vcard", Kind: KindBytes, IsResource: true},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "addressbook"},
		},
		SecondaryIndexes: []IndexDescriptor{
			{Kind: SecondaryIndex, Property: "addressbook", ReferencedType: Addressbook},
		},
	}
}

func addressbookDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Addressbook,
		Properties: []PropertyDescriptor{
			{Name: "name", Kind: KindString},
			{Name: "parent", Kind: KindBytes},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "parent"},
		},
	}
}

func eventDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Event,
		Properties: []PropertyDescriptor{
			{Name: "summary", Kind: KindString},
			{Name: "description", Kind: KindString},
			{Name: "start", Kind: KindTime},
			{Name: "end", Kind: KindTime},
			{Name: "calendar", Kind: KindBytes},
			{Name: "ical", Kind: KindBytes, IsResource: true},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "calendar"},
		},
		SortedIndexes: []IndexDescriptor{
			{Kind: SortedIndex, Property: "calendar", SortProperty: "start"},
		},
		SecondaryIndexes: []IndexDescriptor{
			{Kind: SecondaryIndex, Property: "calendar", ReferencedType: Calendar},
		},
	}
}

func todoDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Todo,
		Properties: []PropertyDescriptor{
			{Name: "summary", Kind: KindString},
			{Name: "description", Kind: KindString},
			{Name: "start", Kind: KindTime},
			{Name: "end", Kind: KindTime},
			{Name: "calendar", Kind: KindBytes},
			{Name: "ical", Kind: KindBytes, IsResource: true},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "calendar"},
		},
		SecondaryIndexes: []IndexDescriptor{
			{Kind: SecondaryIndex, Property: "calendar", ReferencedType: Calendar},
		},
	}
}

func calendarDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Calendar,
		Properties: []PropertyDescriptor{
			{Name: "name", Kind: KindString},
			{Name: "color", Kind: KindString},
			{Name: "enabled", Kind: KindBool},
		},
	}
}

func sinkResourceDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: SinkResource,
		Properties: []PropertyDescriptor{
			{Name: "resourceType", Kind: KindString},
			{Name: "account", Kind: KindBytes},
			{Name: "enabled", Kind: KindBool},
			{Name: "capabilities", Kind: KindByteList},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "account"},
		},
		SecondaryIndexes: []IndexDescriptor{
			{Kind: SecondaryIndex, Property: "account", ReferencedType: SinkAccount},
		},
	}
}

func sinkAccountDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: SinkAccount,
		Properties: []PropertyDescriptor{
			{Name: "accountType", Kind: KindString},
			{Name: "name", Kind: KindString},
			{Name: "status", Kind: KindString},
			{Name: "identity", Kind: KindBytes},
		},
		ValueIndexes: []IndexDescriptor{
			{Kind: ValueIndex, Property: "identity"},
		},
		SecondaryIndexes: []IndexDescriptor{
			{Kind: SecondaryIndex, Property: "identity", ReferencedType: Identity},
		},
	}
}

func identityDescriptor() TypeDescriptor {
	return TypeDescriptor{
		Type: Identity,
		Properties: []PropertyDescriptor{
			{Name: "username", Kind: KindString},
			{Name: "displayName", Kind: KindString},
			{Name: "address", Kind: KindString},
			{Name: "default", Kind: KindBool},
		},
	}
}
